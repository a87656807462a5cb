package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServiceTXT creates the TXT records for an endpoint.
func EncodeServiceTXT(info *ServiceInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	txt[TXTKeyPath] = "/" + strings.TrimPrefix(info.Path, "/")
	if info.Security != "" {
		txt[TXTKeySecurity] = info.Security
	}

	if info.ResourceType != "" {
		txt[TXTKeyResourceType] = info.ResourceType
	}
	if len(info.ContentFormats) > 0 {
		txt[TXTKeyContentFormats] = encodeFormats(info.ContentFormats)
	}
	if info.Observable {
		txt[TXTKeyObservable] = "1"
	}

	return txt
}

func encodeFormats(formats []uint16) string {
	strs := make([]string, len(formats))
	for i, f := range formats {
		strs[i] = strconv.FormatUint(uint64(f), 10)
	}
	return strings.Join(strs, " ")
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
