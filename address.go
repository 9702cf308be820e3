// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a decoded transport address string of the forms spec §6
// names: "unix:path=<path>", "unix:abstract=<name>", or
// "tcp:host=<host>,port=<port>". The original string is retained verbatim
// (Raw) for diagnostic use, matching the transport's own Address() field.
type Address struct {
	Raw string

	Kind string // "unix" or "tcp"

	// unix
	Path     string
	Abstract string

	// tcp
	Host string
	Port uint16
}

// ParseAddress decodes one `transport:key=value,key=value` address string.
func ParseAddress(s string) (Address, error) {
	addr := Address{Raw: s}
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("transport: malformed address %q", s)
	}
	addr.Kind = kind

	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return Address{}, fmt.Errorf("transport: malformed address component %q in %q", kv, s)
			}
			params[k] = v
		}
	}

	switch kind {
	case "unix":
		if path, ok := params["path"]; ok {
			addr.Path = path
		} else if abstract, ok := params["abstract"]; ok {
			addr.Abstract = abstract
		} else {
			return Address{}, fmt.Errorf("transport: unix address %q needs path= or abstract=", s)
		}
	case "tcp":
		host, ok := params["host"]
		if !ok {
			return Address{}, fmt.Errorf("transport: tcp address %q needs host=", s)
		}
		portStr, ok := params["port"]
		if !ok {
			return Address{}, fmt.Errorf("transport: tcp address %q needs port=", s)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("transport: tcp address %q has bad port: %w", s, err)
		}
		addr.Host = host
		addr.Port = uint16(port)
	default:
		return Address{}, fmt.Errorf("transport: unsupported address kind %q in %q", kind, s)
	}
	return addr, nil
}
