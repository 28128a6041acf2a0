package thingsboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"iot-kpi/internal/tbadapter"
)

type stubLister struct {
	page tbadapter.DevicePage
	err  error
}

func (s stubLister) ListDeviceInfos(context.Context, int, int) (tbadapter.DevicePage, error) {
	return s.page, s.err
}

func TestFetchPageMapsRecords(t *testing.T) {
	active := true
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src, err := NewPageSource(stubLister{page: tbadapter.DevicePage{
		Data: []tbadapter.DeviceInfo{
			{
				Name:              " Gateway ",
				Type:              "gateway",
				Active:            &active,
				CreatedTime:       tbadapter.FlexTime{Time: created, Valid: true},
				DeviceProfileName: "default",
				AdditionalInfo:    map[string]any{"is_test_device": "true"},
			},
		},
		TotalElements: 1,
		TotalPages:    1,
	}})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	page, err := src.FetchPage(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Records) != 1 || page.TotalElements != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	rec := page.Records[0]
	if rec.Name != "Gateway" || !rec.HasCreated || !rec.CreatedTime.Equal(created) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.IsTest {
		t.Fatalf("expected test flag from additional info")
	}
	if rec.Metadata()["device_profile"] != "default" {
		t.Fatalf("expected profile in metadata, got %v", rec.Metadata())
	}
}

func TestFetchPagePropagatesError(t *testing.T) {
	boom := errors.New("down")
	src, _ := NewPageSource(stubLister{err: boom})
	if _, err := src.FetchPage(context.Background(), 0, 10); !errors.Is(err, boom) {
		t.Fatalf("expected error, got %v", err)
	}
}

func TestTestFlagLegacyKey(t *testing.T) {
	rec := ToRecord(tbadapter.DeviceInfo{AdditionalInfo: map[string]any{"test": true}})
	if !rec.IsTest {
		t.Fatalf("expected legacy test key to mark a test device")
	}
	if ToRecord(tbadapter.DeviceInfo{}).IsTest {
		t.Fatalf("missing additional info should not be a test device")
	}
}
