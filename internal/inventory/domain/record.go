package inventory

import "time"

// Record is one device entry from the remote listing.
type Record struct {
	ExternalID    string
	Name          string
	DeviceType    string
	Label         string
	Active        *bool
	CreatedTime   time.Time
	HasCreated    bool
	CustomerTitle string
	Profile       string
	IsTest        bool
	Extra         map[string]any
}

// Page is one page of the remote listing.
type Page struct {
	Records       []Record
	TotalElements int
	TotalPages    int
	HasNext       bool
}

// Metadata returns the metadata fields carried by the record.
func (r Record) Metadata() Metadata {
	meta := Metadata{}
	if r.Label != "" {
		meta[MetaLabel] = r.Label
	}
	if r.CustomerTitle != "" {
		meta[MetaCustomerTitle] = r.CustomerTitle
	}
	if r.Profile != "" {
		meta[MetaProfile] = r.Profile
	}
	if len(r.Extra) > 0 {
		meta[MetaAdditionalInfo] = r.Extra
	}
	return meta
}
