package main

import (
	"crypto/rand"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/signer"
)

var keysCmd = &cli.Command{
	Name:  "keys",
	Usage: "Manage local signing keys",
	Subcommands: []*cli.Command{
		keysInitCmd,
		keysDeriveCmd,
		keysListCmd,
	},
}

var schemeFlag = &cli.StringFlag{
	Name:  "scheme",
	Value: signer.SchemeEd25519,
	Usage: "signature scheme: " + signer.SchemeEd25519 + " or " + signer.SchemeDilithium3,
}

func keyStore(cctx *cli.Context) (*signer.KeyStore, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	return signer.OpenKeyStore(cfg.Wallet.KeyStore)
}

type keyInfo struct {
	Ref    string `json:"ref"`
	Scheme string `json:"scheme"`
	Party  string `json:"party"`
	Path   string `json:"path,omitempty"`
}

var keysInitCmd = &cli.Command{
	Name:  "init",
	Usage: "Create a root key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Required: true},
		&cli.StringFlag{Name: "seed-hex", Usage: "32 byte seed as hex; random when empty"},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key"},
		schemeFlag,
	},
	Action: func(cctx *cli.Context) error {
		ks, err := keyStore(cctx)
		if err != nil {
			return err
		}
		var seed []byte
		if h := cctx.String("seed-hex"); h != "" {
			seed, err = signer.ParseSeedHex(h)
			if err != nil {
				return err
			}
		} else {
			seed = make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return xerrors.Errorf("generating seed: %w", err)
			}
		}
		name := cctx.String("name")
		k, path, err := ks.Init(name, seed, cctx.String("scheme"), cctx.Bool("force"))
		if err != nil {
			return err
		}
		return printJSON(cctx, keyInfo{Ref: name, Scheme: k.Scheme(), Party: string(k.Party()), Path: path})
	},
}

var keysDeriveCmd = &cli.Command{
	Name:  "derive",
	Usage: "Derive a role key from a root key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Required: true},
		&cli.StringFlag{Name: "role", Required: true},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing role key"},
		schemeFlag,
	},
	Action: func(cctx *cli.Context) error {
		ks, err := keyStore(cctx)
		if err != nil {
			return err
		}
		name, role := cctx.String("from"), cctx.String("role")
		k, path, err := ks.Derive(name, role, cctx.String("scheme"), cctx.Bool("force"))
		if err != nil {
			return err
		}
		return printJSON(cctx, keyInfo{Ref: name + "/" + role, Scheme: k.Scheme(), Party: string(k.Party()), Path: path})
	},
}

var keysListCmd = &cli.Command{
	Name:  "list",
	Usage: "List stored keys and the parties they sign for",
	Flags: []cli.Flag{schemeFlag},
	Action: func(cctx *cli.Context) error {
		ks, err := keyStore(cctx)
		if err != nil {
			return err
		}
		entries, err := ks.List()
		if err != nil {
			return err
		}
		scheme := cctx.String("scheme")
		out := []keyInfo{}
		for _, e := range entries {
			refs := []string{e.Name}
			for _, r := range e.Roles {
				refs = append(refs, e.Name+"/"+r)
			}
			for _, ref := range refs {
				k, err := ks.LoadRef(scheme + ":" + ref)
				if err != nil {
					return err
				}
				out = append(out, keyInfo{Ref: ref, Scheme: k.Scheme(), Party: string(k.Party())})
			}
		}
		return printJSON(cctx, out)
	},
}
