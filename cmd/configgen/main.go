package main

import (
	"flag"
	"log"

	"github.com/danmuck/cspnet/internal/config"
)

func main() {
	kind := flag.String("kind", "ground", "config kind: ground|obc")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/cspd/node.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/cspd/node.toml"
		}
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config at %s (address=%d interfaces=%d routes=%d)",
			path, cfg.Address, len(cfg.Interfaces), len(cfg.Routes))
		return
	}

	target := *output
	if target == "" {
		target = "cmd/cspd/node.toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
