package memory

import (
	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "memory",
		Description: "In-process CAS (contents are lost on exit)",
		Usage:       casregistry.UsageClient | casregistry.UsageDaemon,
		Open: func(map[string]string) (storage.CAS, func() error, error) {
			return New(), nil, nil
		},
	})
}
