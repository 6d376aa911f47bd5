// Command capability-publisher writes module and capability records into the
// buckets read by startup-coordinator.
//
//	capability-publisher module -name org.example.transport -version 1.0.0 \
//	    -header 'Startup-Component=startup.component;componentKey="transport";requiredCapability="svc.a"'
//	capability-publisher put -id svc-a-1 -capability svc.a -module org.example.services
//	capability-publisher delete -id svc-a-1
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/anvil-platform/startorder/internal/config"
	"github.com/anvil-platform/startorder/internal/runtime/natskv"
)

// pairs collects repeated key=value flags.
type pairs map[string]string

func (p pairs) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p pairs) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	p[k] = v
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s module|put|delete [flags]\n", os.Args[0])
	os.Exit(2)
}

// options are the flags shared by every subcommand.
type options struct {
	url                string
	modulesBucket      string
	capabilitiesBucket string
	timeout            time.Duration

	name, module, version string
	id, capability        string
	count                 int
	headers, props        pairs
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	defaults := config.Default().NATS
	opts := options{headers: pairs{}, props: pairs{}}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&opts.url, "nats-url", defaults.URL, "NATS server URL.")
	fs.StringVar(&opts.modulesBucket, "modules-bucket", defaults.ModulesBucket, "Modules bucket.")
	fs.StringVar(&opts.capabilitiesBucket, "capabilities-bucket", defaults.CapabilitiesBucket, "Capabilities bucket.")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Time allowed for the write.")

	fs.StringVar(&opts.name, "name", "", "Module name.")
	fs.StringVar(&opts.module, "module", "", "Module registering the capability instance.")
	fs.StringVar(&opts.version, "version", "", "Module version.")
	fs.StringVar(&opts.id, "id", "", "Capability instance id.")
	fs.StringVar(&opts.capability, "capability", "", "Capability name.")
	fs.IntVar(&opts.count, "count", -1, "Instances a capability-provider will register. Negative omits it.")
	fs.Var(opts.headers, "header", "Module header as Name=value. Repeatable.")
	fs.Var(opts.props, "prop", "Capability property as key=value. Repeatable.")
	_ = fs.Parse(os.Args[2:])

	switch os.Args[1] {
	case "module", "put", "delete":
	default:
		usage()
	}
	if err := run(os.Args[1], opts); err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func run(command string, opts options) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	nc, err := nats.Connect(opts.url, nats.Name("capability-publisher"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.url, err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	switch command {
	case "module":
		b, err := natskv.OpenBucket(ctx, js, opts.modulesBucket)
		if err != nil {
			return err
		}
		rec := natskv.ModuleRecord{Name: opts.name, Version: opts.version, Headers: opts.headers}
		if err := natskv.PutModule(ctx, b, rec); err != nil {
			return err
		}
		fmt.Printf("module %s %s stored\n", opts.name, opts.version)
	case "put":
		b, err := natskv.OpenBucket(ctx, js, opts.capabilitiesBucket)
		if err != nil {
			return err
		}
		rec := natskv.CapabilityRecord{Capability: opts.capability, Module: opts.module, Version: opts.version, Properties: opts.props}
		if opts.count >= 0 {
			n := opts.count
			rec.Count = &n
		}
		if err := natskv.PutCapability(ctx, b, opts.id, rec); err != nil {
			return err
		}
		fmt.Printf("capability %s registered as %s\n", opts.capability, opts.id)
	case "delete":
		b, err := natskv.OpenBucket(ctx, js, opts.capabilitiesBucket)
		if err != nil {
			return err
		}
		if err := natskv.DeleteCapability(ctx, b, opts.id); err != nil {
			return err
		}
		fmt.Printf("capability instance %s withdrawn\n", opts.id)
	}
	return nil
}
