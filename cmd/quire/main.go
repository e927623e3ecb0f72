// Command quire builds and queries indexes over a JSON document file.
//
//	quire -data users.json -path users -key age build
//	quire -data users.json -path users -key age query between '[25,35]'
//	quire -data users.json -path users -key age take 0 10
//	quire -dir ./indexes list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/memstore"
)

type options struct {
	path    string
	key     string
	kind    string
	include string
	exact   bool
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataPath := flag.String("data", "", "JSON document file")
	dir := flag.String("dir", "indexes", "index directory")
	var o options
	flag.StringVar(&o.path, "path", "", "index path, e.g. users/*/posts")
	flag.StringVar(&o.key, "key", "", "indexed child key, or {key}")
	flag.StringVar(&o.kind, "type", "normal", "normal, array, fulltext or geo")
	flag.StringVar(&o.include, "include", "", "comma-separated keys stored with every value")
	flag.BoolVar(&o.exact, "case-sensitive", false, "keep string case")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: quire [flags] build|query OP VALUE|count OP VALUE|take SKIP N [desc]|list\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := quire.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	quire.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.Addr)
	}

	if err := run(ctx, cfg, *dataPath, *dir, o, flag.Args()); err != nil {
		slog.Error("quire failed", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(quire.Collectors()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
}

func run(ctx context.Context, cfg quire.Config, dataPath, dir string, o options, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("no command")
	}

	store := memstore.New()
	if dataPath != "" {
		data, err := os.ReadFile(dataPath)
		if err != nil {
			return err
		}
		if store, err = memstore.FromJSON(data); err != nil {
			return err
		}
	}

	db, err := quire.Open(dir, store, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if args[0] == "list" {
		type listed struct {
			File    string   `json:"file"`
			Index   string   `json:"index"`
			State   string   `json:"state"`
			Entries int      `json:"entries"`
			Values  int      `json:"values"`
			Ops     []string `json:"operators"`
		}
		var out []listed
		for _, ix := range db.Indexes() {
			info := ix.Info()
			out = append(out, listed{ix.FileName(), ix.Description(), ix.State().String(), info.Entries, info.Values, ix.ValidOperators()})
		}
		return output(out)
	}

	kind, err := quire.ParseKind(o.kind)
	if err != nil {
		return err
	}
	opts := &quire.IndexOptions{Kind: kind, CaseSensitive: o.exact}
	if o.include != "" {
		opts.Include = strings.Split(o.include, ",")
	}
	ix, err := db.CreateIndex(ctx, o.path, o.key, opts)
	if err != nil {
		return err
	}

	switch args[0] {
	case "build":
		if err := ix.Build(ctx); err != nil {
			return err
		}
		return output(map[string]any{"file": ix.FileName(), "info": ix.Info()})
	case "query", "count":
		if len(args) != 3 {
			return fmt.Errorf("%s needs OP and VALUE", args[0])
		}
		value := parseValue(args[2])
		if args[0] == "count" {
			n, err := ix.Count(ctx, args[1], value)
			if err != nil {
				return err
			}
			return output(map[string]int{"count": n})
		}
		res, err := ix.Query(ctx, args[1], value, nil)
		if err != nil {
			return err
		}
		return output(res)
	case "take":
		if len(args) < 3 {
			return errors.New("take needs SKIP and N")
		}
		skip, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		res, err := ix.Take(ctx, skip, n, len(args) < 4 || args[3] != "desc")
		if err != nil {
			return err
		}
		return output(res)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// parseValue reads a JSON argument, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func output(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
