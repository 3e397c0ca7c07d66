package main

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/content"
	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
)

var contentCmd = &cli.Command{
	Name:  "content",
	Usage: "Store and fetch raw content without touching the ledger",
	Subcommands: []*cli.Command{
		contentPutCmd,
		contentGetCmd,
		contentBackendsCmd,
	},
}

// openStore opens the configured content store for a command that needs
// nothing else.
func openStore(cctx *cli.Context) (*content.Resolver, storage.CAS, func(), error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, nil, nil, err
	}
	store, closeStore, err := cfg.Content.Store.Open(casregistry.UsageClient, cctx.String("backend"))
	if err != nil {
		return nil, nil, nil, err
	}
	done := func() {
		if closeStore != nil {
			_ = closeStore()
		}
	}
	maxSize, err := cfg.MaxContentSize()
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	media, err := cfg.MediaClasses()
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	r := content.NewResolver(store, maxSize, media)
	r.Timeout = time.Duration(cfg.Content.StoreTimeout)
	return r, store, done, nil
}

var backendFlag = &cli.StringFlag{
	Name:  "backend",
	Usage: "name or id of the configured backend to use first",
}

var contentPutCmd = &cli.Command{
	Name:      "put",
	Usage:     "Check and store a file, printing its content reference",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		backendFlag,
		&cli.StringFlag{Name: "media-type", Usage: "MIME type; sniffed from the file when empty"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <file>")
		}
		data, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		r, _, done, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer done()
		ref, err := r.Resolve(cctx.Context, content.Blob{Data: data, MediaType: cctx.String("media-type")})
		if err != nil {
			return err
		}
		return printJSON(cctx, map[string]any{
			"digest": ref.Digest.String(),
			"size":   ref.Size,
			"human":  humanize.IBytes(ref.Size),
			"media":  string(ref.Media),
		})
	},
}

var contentGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "Fetch content by digest and verify it",
	ArgsUsage: "<digest>",
	Flags: []cli.Flag{
		backendFlag,
		&cli.StringFlag{Name: "out", Usage: "output file; stdout when empty"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <digest>")
		}
		id, err := cidutil.Parse(cctx.Args().First())
		if err != nil {
			return err
		}
		_, store, done, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer done()
		data, err := store.Get(cctx.Context, id)
		if err != nil {
			return err
		}
		if err := cidutil.Verify(id, data); err != nil {
			return err
		}
		if p := cctx.String("out"); p != "" {
			return os.WriteFile(p, data, 0o600)
		}
		_, err = cctx.App.Writer.Write(data)
		return err
	},
}

var contentBackendsCmd = &cli.Command{
	Name:  "backends",
	Usage: "List the store backends this binary can open",
	Action: func(cctx *cli.Context) error {
		type option struct {
			Key      string `json:"key"`
			Help     string `json:"help,omitempty"`
			Required bool   `json:"required,omitempty"`
		}
		type backend struct {
			Name        string   `json:"name"`
			Description string   `json:"description,omitempty"`
			Options     []option `json:"options,omitempty"`
		}
		var out []backend
		for _, b := range casregistry.List(casregistry.UsageClient) {
			be := backend{Name: b.Name, Description: b.Description}
			for _, o := range b.Options {
				be.Options = append(be.Options, option{Key: o.Key, Help: o.Help, Required: o.Required})
			}
			out = append(out, be)
		}
		return printJSON(cctx, out)
	},
}
