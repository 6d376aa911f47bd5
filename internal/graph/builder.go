package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/semver"
)

// Builder scans module headers into a Sink.
type Builder struct {
	source Source
	sink   Sink
	log    logr.Logger
	header string
}

// NewBuilder returns a Builder reading the Startup-Component header.
func NewBuilder(source Source, sink Sink, log logr.Logger) *Builder {
	return &Builder{source: source, sink: sink, log: log, header: Header}
}

type expectation struct {
	name   string
	count  int
	module manifest.ModuleRef
}

// Build parses all loaded modules.
//
// A failure to enumerate modules aborts the build. Failures confined to a
// module's header or to a single clause are collected and returned joined
// after the rest of the graph has been built.
func (b *Builder) Build(ctx context.Context) (Result, error) {
	modules, err := b.source.Modules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("graph: %w: %w", ErrListModules, err)
	}
	sortModules(modules)

	res := Result{Modules: len(modules)}
	var errs []error
	reject := func(err error) {
		res.DeclarationErrors++
		errs = append(errs, err)
		b.log.Error(err, "rejecting startup declaration")
	}

	byKind := make(map[Kind][]manifest.Element)
	for _, m := range modules {
		elems, err := b.source.Declarations(ctx, m, b.header)
		if err != nil {
			reject(fmt.Errorf("graph: read %s header of module %s: %w", b.header, m, err))
			continue
		}
		for _, e := range elems {
			kind := Classify(e)
			if kind == KindUnknown {
				b.log.V(1).Info("ignoring unsupported declaration", "module", m.String(), "declaration", e.String())
				continue
			}
			byKind[kind] = append(byKind[kind], e)
		}
	}

	// Components first so requirement edges from any module find their owner.
	for _, e := range byKind[KindComponent] {
		key := strings.TrimSpace(e.Attribute(AttrComponentKey))
		if key == "" {
			reject(missingAttribute(e, AttrComponentKey))
			continue
		}
		c := Component{
			Name:                 key,
			Module:               e.Module,
			RequiredCapabilities: manifest.SplitList(e.Attribute(AttrRequiredCapability)),
		}
		if err := b.sink.RegisterComponent(c); err != nil {
			// Soft: the sink keeps the first declaration.
			continue
		}
		res.Components++
	}

	for _, e := range byKind[KindListener] {
		key := strings.TrimSpace(e.Attribute(AttrComponentKey))
		if key == "" {
			reject(missingAttribute(e, AttrComponentKey))
			continue
		}
		b.sink.ExpectListener(key, e.Module)
		res.ListenersExpected++
		if capName := strings.TrimSpace(e.Attribute(AttrCapabilityName)); capName != "" {
			b.require(key, capName)
		}
	}

	for _, e := range byKind[KindProvider] {
		capName := strings.TrimSpace(e.Attribute(AttrCapabilityName))
		if capName == "" {
			reject(missingAttribute(e, AttrCapabilityName))
			continue
		}
		dependent := strings.TrimSpace(e.Attribute(AttrDependentComponentKey))
		if dependent != "" {
			b.require(dependent, capName)
		}
		b.sink.ExpectProvider(capName, dependent, e.Module)
		res.ProvidersExpected++
	}

	expectations := make([]expectation, 0, len(byKind[KindCapability]))
	for _, e := range byKind[KindCapability] {
		name := strings.TrimSpace(e.Attribute(AttrName))
		if name == "" {
			reject(missingAttribute(e, AttrName))
			continue
		}
		count := 1
		if raw := strings.TrimSpace(e.Attribute(AttrCount)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				reject(invalidAttribute(e, AttrCount, err))
				continue
			}
			if n < 1 {
				reject(invalidAttribute(e, AttrCount, fmt.Errorf("count must be positive, got %d", n)))
				continue
			}
			count = n
		}
		if dependent := strings.TrimSpace(e.Attribute(AttrDependentComponentKey)); dependent != "" {
			b.require(dependent, name)
		}
		expectations = append(expectations, expectation{name: name, count: count, module: e.Module})
	}

	// Every declared instance is counted exactly once, against the complete edge set.
	for _, exp := range expectations {
		for i := 0; i < exp.count; i++ {
			b.sink.ApplyCapabilityExpectation(exp.name, exp.module)
		}
		res.ExpectedInstances += exp.count
	}

	b.log.V(1).Info("built startup dependency graph",
		"modules", res.Modules,
		"components", res.Components,
		"listenersExpected", res.ListenersExpected,
		"providersExpected", res.ProvidersExpected,
		"expectedInstances", res.ExpectedInstances,
		"declarationErrors", res.DeclarationErrors,
	)
	return res, errors.Join(errs...)
}

// require records that key depends on capName. An unknown component still
// gets the edge so arrivals can be counted before its declaration shows up.
func (b *Builder) require(key, capName string) {
	if err := b.sink.AddRequiredCapability(key, capName); err != nil {
		b.sink.AddDependency(capName, key)
	}
}

// sortModules orders modules by name, then by semantic version, so duplicate
// declarations are resolved the same way on every start.
func sortModules(modules []manifest.ModuleRef) {
	sort.SliceStable(modules, func(i, j int) bool {
		if modules[i].Name != modules[j].Name {
			return modules[i].Name < modules[j].Name
		}
		return semver.CompareRaw(modules[i].Version, modules[j].Version) < 0
	})
}
