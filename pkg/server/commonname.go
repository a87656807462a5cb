package server

import (
	"fmt"
	"log/slog"

	"github.com/homecenter/coap-server/pkg/cert"
)

// LogCommonName returns a callback that logs every common name a client
// presents and accepts it.
func LogCommonName(logger *slog.Logger) cert.CommonNameFunc {
	return func(cn string, depth int) bool {
		if logger != nil {
			logger.Info(fmt.Sprintf("CN '%s' presented by client (%s)", cn, cert.DepthLabel(depth)))
		}
		return true
	}
}

// AllowCommonNames logs like LogCommonName but rejects a peer certificate
// whose common name is not listed. CA names are not checked.
func AllowCommonNames(logger *slog.Logger, allowed ...string) cert.CommonNameFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, cn := range allowed {
		set[cn] = struct{}{}
	}
	logCN := LogCommonName(logger)
	return func(cn string, depth int) bool {
		logCN(cn, depth)
		if depth > 0 {
			return true
		}
		if _, ok := set[cn]; !ok {
			if logger != nil {
				logger.Warn("client certificate rejected", "cn", cn)
			}
			return false
		}
		return true
	}
}
