package grpccas

import (
	"strconv"
	"strings"
	"time"

	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "grpc",
		Description: "gRPC CAS client (talks to audex-casd)",
		Usage:       casregistry.UsageClient,
		Options: []casregistry.Option{
			{Key: "target", Help: "gRPC target host:port", Required: true},
			{Key: "dial-timeout", Help: "dial timeout (default 5s)"},
			{Key: "timeout", Help: "per-RPC timeout (default none)"},
			{Key: "max-msg-bytes", Help: "max message size in bytes (send+recv); 0 uses grpc defaults"},
		},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			dialTimeout, err := durationOr(cfg["dial-timeout"], 5*time.Second)
			if err != nil {
				return nil, nil, err
			}
			timeout, err := durationOr(cfg["timeout"], 0)
			if err != nil {
				return nil, nil, err
			}
			maxMsg := 0
			if v := cfg["max-msg-bytes"]; v != "" {
				if maxMsg, err = strconv.Atoi(v); err != nil {
					return nil, nil, err
				}
			}
			client, err := Dial(strings.TrimSpace(cfg["target"]), DialOptions{Timeout: dialTimeout, MaxMsgBytes: maxMsg})
			if err != nil {
				return nil, nil, err
			}
			client.Timeout = timeout
			return client, client.Close, nil
		},
	})
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
