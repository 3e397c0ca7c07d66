package localfs

import (
	"github.com/mitchellh/go-homedir"

	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "localfs",
		Description: "Local filesystem CAS (directory)",
		Usage:       casregistry.UsageClient | casregistry.UsageDaemon,
		Options: []casregistry.Option{
			{Key: "dir", Help: "CAS root directory (~ is expanded)", Required: true},
		},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			dir, err := homedir.Expand(cfg["dir"])
			if err != nil {
				return nil, nil, err
			}
			cas, err := New(dir)
			return cas, nil, err
		},
	})
}
