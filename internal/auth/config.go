package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const defaultEndpointSuffix = "core.windows.net"

// ConnectionConfig holds the parsed storage account credentials. It is
// constructed once at startup from the connection string and shared read-only
// between the signer and the blob client.
type ConnectionConfig struct {
	AccountName    string
	AccountKey     []byte
	EndpointSuffix string
}

// ConfigError reports an invalid or incomplete connection string.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("connection config: %s: %s", e.Field, e.Reason)
}

// ParseConnectionString parses a semicolon-delimited Key=Value connection
// descriptor, e.g.
//
//	AccountName=acct;AccountKey=<base64>;EndpointSuffix=core.windows.net
//
// AccountName and AccountKey are required, EndpointSuffix is optional. Pair
// order is irrelevant and values may themselves contain '=' (base64 padding),
// so each pair is split on the first '=' only.
func ParseConnectionString(s string) (ConnectionConfig, error) {
	values := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 {
			continue
		}
		values[pair[:idx]] = pair[idx+1:]
	}

	accountName := values["AccountName"]
	if accountName == "" {
		return ConnectionConfig{}, &ConfigError{Field: "AccountName", Reason: "missing"}
	}

	encodedKey := values["AccountKey"]
	if encodedKey == "" {
		return ConnectionConfig{}, &ConfigError{Field: "AccountKey", Reason: "missing"}
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return ConnectionConfig{}, &ConfigError{Field: "AccountKey", Reason: fmt.Sprintf("invalid base64: %v", err)}
	}

	suffix := values["EndpointSuffix"]
	if suffix == "" {
		suffix = defaultEndpointSuffix
	}

	return ConnectionConfig{
		AccountName:    accountName,
		AccountKey:     key,
		EndpointSuffix: suffix,
	}, nil
}
