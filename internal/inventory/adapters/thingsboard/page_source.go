package thingsboard

import (
	"context"
	"errors"
	"strings"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/tbadapter"
)

// Lister is the slice of the platform client the page source needs.
type Lister interface {
	ListDeviceInfos(ctx context.Context, page, pageSize int) (tbadapter.DevicePage, error)
}

// PageSource adapts the platform device listing to inventory pages.
type PageSource struct {
	client Lister
}

// NewPageSource constructs a page source.
func NewPageSource(client Lister) (*PageSource, error) {
	if client == nil {
		return nil, errors.New("inventory thingsboard: nil client")
	}
	return &PageSource{client: client}, nil
}

// FetchPage implements application.PageSource.
func (s *PageSource) FetchPage(ctx context.Context, page, pageSize int) (inventory.Page, error) {
	resp, err := s.client.ListDeviceInfos(ctx, page, pageSize)
	if err != nil {
		return inventory.Page{}, err
	}
	out := inventory.Page{
		Records:       make([]inventory.Record, 0, len(resp.Data)),
		TotalElements: resp.TotalElements,
		TotalPages:    resp.TotalPages,
		HasNext:       resp.HasNext,
	}
	for _, info := range resp.Data {
		out.Records = append(out.Records, ToRecord(info))
	}
	return out, nil
}

// ToRecord maps one listing entry.
func ToRecord(info tbadapter.DeviceInfo) inventory.Record {
	return inventory.Record{
		ExternalID:    strings.TrimSpace(info.ID.ID),
		Name:          strings.TrimSpace(info.Name),
		DeviceType:    info.Type,
		Label:         info.Label,
		Active:        info.Active,
		CreatedTime:   info.CreatedTime.Time,
		HasCreated:    info.CreatedTime.Valid,
		CustomerTitle: info.CustomerTitle,
		Profile:       info.DeviceProfileName,
		IsTest:        testFlag(info.AdditionalInfo, "is_test_device") || testFlag(info.AdditionalInfo, "test"),
		Extra:         info.AdditionalInfo,
	}
}

func testFlag(info map[string]any, key string) bool {
	switch v := info[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}
