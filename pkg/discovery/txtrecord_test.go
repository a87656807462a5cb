package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeServiceTXT(t *testing.T) {
	info := &ServiceInfo{
		Path:           "/Espressif",
		ResourceType:   "sensor",
		ContentFormats: []uint16{0, 60},
		Observable:     true,
		Security:       "pki",
	}

	got := TXTRecordsToStrings(EncodeServiceTXT(info))
	want := []string{"ct=0 60", "obs=1", "path=/Espressif", "rt=sensor", "sec=pki"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TXTRecordsToStrings() = %v, want %v", got, want)
	}
}

func TestEncodeServiceTXTOmitsEmpty(t *testing.T) {
	txt := EncodeServiceTXT(&ServiceInfo{Path: "Espressif"})
	if len(txt) != 1 || txt[TXTKeyPath] != "/Espressif" {
		t.Errorf("EncodeServiceTXT() = %v, want only path", txt)
	}
}

func TestValidateInstanceName(t *testing.T) {
	if err := ValidateInstanceName("Espressif CoAP Server"); err != nil {
		t.Errorf("ValidateInstanceName() error = %v", err)
	}
	if err := ValidateInstanceName(strings.Repeat("a", 64)); !errors.Is(err, ErrInstanceNameTooLong) {
		t.Errorf("ValidateInstanceName(64) error = %v", err)
	}
}
