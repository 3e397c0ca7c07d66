package ipfs

import (
	"os"

	"github.com/mitchellh/go-homedir"

	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo repository via the ipfs CLI",
		Usage:       casregistry.UsageClient | casregistry.UsageDaemon,
		Options: []casregistry.Option{
			{Key: "bin", Help: "path to the ipfs binary (default: ipfs on PATH)"},
			{Key: "ipfs-path", Help: "IPFS_PATH for the repository (default: inherited)"},
		},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			opts := Options{Bin: cfg["bin"]}
			if p := cfg["ipfs-path"]; p != "" {
				p, err := homedir.Expand(p)
				if err != nil {
					return nil, nil, err
				}
				opts.Env = append(os.Environ(), "IPFS_PATH="+p)
			}
			return New(opts), nil, nil
		},
	})
}
