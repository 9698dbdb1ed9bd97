// Package config implements the JSON Config Loader of spec.md §4.8:
// ingesting a `cvd load` document, resolving `@import` presets and
// `--override` edits, validating the result, and emitting the internal
// command invocations (`cvd fetch`, `cvd create --daemon ...`).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

// Document is a parsed `cvd load` configuration: zero or more instance
// objects plus an optional fetch block.
type Document struct {
	Instances []map[string]interface{}
	Fetch     map[string]interface{}
}

// PresetDir is where named `@import` presets are looked up, authored as
// small TOML snippets one per file (<PresetDir>/<name>.toml), the way the
// teacher's operator config is authored in TOML even though the document
// wrapping it here is JSON.
type PresetDir string

// Load reads and parses the JSON document at path, without yet resolving
// imports or overrides.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: reading config %s: %v", cvderrors.ErrIO, path, err)
	}

	var top map[string]interface{}
	if err := json.Unmarshal(raw, &top); err != nil {
		return Document{}, fmt.Errorf("%w: parsing config %s: %v", cvderrors.ErrUser, path, err)
	}

	doc := Document{}
	if fetch, ok := top["fetch"].(map[string]interface{}); ok {
		doc.Fetch = fetch
	}
	instancesRaw, ok := top["instances"].([]interface{})
	if !ok {
		return Document{}, fmt.Errorf("%w: config %s has no \"instances\" array", cvderrors.ErrUser, path)
	}
	for i, raw := range instancesRaw {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return Document{}, fmt.Errorf("%w: instances[%d] is not an object", cvderrors.ErrUser, i)
		}
		doc.Instances = append(doc.Instances, m)
	}
	return doc, nil
}

// ResolveImports replaces each instance's "@import" reference, if any,
// with the deep merge of the named preset and the instance's own fields
// (per-leaf override, instance wins).
func (d *Document) ResolveImports(presets PresetDir) error {
	for i, inst := range d.Instances {
		name, ok := inst["@import"].(string)
		if !ok || name == "" {
			continue
		}
		preset, err := loadPreset(presets, name)
		if err != nil {
			return err
		}
		merged := deepMerge(preset, inst)
		delete(merged, "@import")
		d.Instances[i] = merged
	}
	return nil
}

func loadPreset(dir PresetDir, name string) (map[string]interface{}, error) {
	path := filepath.Join(string(dir), name+".toml")
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("%w: loading preset %q: %v", cvderrors.ErrNotFound, name, err)
	}
	return raw, nil
}

// deepMerge merges override into base, recursing into nested objects;
// override's leaves always win. base and override are never mutated;
// a new map is returned.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if baseChild, ok := out[k].(map[string]interface{}); ok {
			if overrideChild, ok := v.(map[string]interface{}); ok {
				out[k] = deepMerge(baseChild, overrideChild)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Override is one `--override=path:value` directive: path is a
// dot-separated field path into a single instance object, scoped by
// index via "instances.<i>.<field...>".
type Override struct {
	Path  string
	Value string
}

// ParseOverride splits a raw "path:value" string into an Override.
func ParseOverride(raw string) (Override, error) {
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return Override{}, fmt.Errorf("%w: --override value %q is missing \":\"", cvderrors.ErrUser, raw)
	}
	return Override{Path: raw[:idx], Value: raw[idx+1:]}, nil
}

// ApplyOverrides edits d's parsed JSON in place per the CLI's
// `--override=path:value` flags, applied after import resolution and
// before validation.
func (d *Document) ApplyOverrides(overrides []Override) error {
	for _, ov := range overrides {
		segments := strings.Split(ov.Path, ".")
		if len(segments) < 3 || segments[0] != "instances" {
			return fmt.Errorf("%w: --override path %q must start with \"instances.<index>.\"", cvderrors.ErrUser, ov.Path)
		}
		idx, err := strconv.Atoi(segments[1])
		if err != nil || idx < 0 || idx >= len(d.Instances) {
			return fmt.Errorf("%w: --override path %q has an invalid instance index", cvderrors.ErrUser, ov.Path)
		}
		setPath(d.Instances[idx], segments[2:], ov.Value)
	}
	return nil
}

func setPath(m map[string]interface{}, segments []string, value string) {
	if len(segments) == 1 {
		m[segments[0]] = value
		return
	}
	child, ok := m[segments[0]].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[segments[0]] = child
	}
	setPath(child, segments[1:], value)
}

// Validate checks every instance object against the declarative schema
// tree; the fetch block is not validated.
func (d *Document) Validate() error {
	for i, inst := range d.Instances {
		if err := Validate(InstanceSchema, inst); err != nil {
			return fmt.Errorf("%w: instances[%d]: %v", cvderrors.ErrUser, i, err)
		}
	}
	return nil
}

// FieldSpec is one gflag emitted across every instance: the dotted path
// into an instance object, the flag name, and the default token
// substituted when an instance omits the field.
type FieldSpec struct {
	Path    string
	Flag    string
	Default string
}

// RecognizedFields are the scalar field paths the loader knows how to
// translate into launch gflags, grounded on spec.md §4.8's examples
// ("unset", "", DISABLED, fixed UUID, 2048).
var RecognizedFields = []FieldSpec{
	{Path: "vm.cpus", Flag: "cpus", Default: "2"},
	{Path: "vm.memory_mb", Flag: "memory_mb", Default: "2048"},
	{Path: "disk.default_build", Flag: "default_build", Default: "unset"},
	{Path: "boot.extra_bootconfig_args", Flag: "extra_bootconfig_args", Default: ""},
	{Path: "graphics.displays", Flag: "gpu_mode", Default: "DISABLED"},
	{Path: "security.serial_number", Flag: "serial_number", Default: "cvd-00000000-0000-0000-0000-000000000000"},
}

// EmitGflags joins each recognized field across every instance in order,
// substituting each field's default token when an instance omits it, and
// returns one "--flag=v1,v2,..." token per recognized field that appears
// in at least one instance.
func (d *Document) EmitGflags() []string {
	var flags []string
	for _, spec := range RecognizedFields {
		var values []string
		present := false
		for _, inst := range d.Instances {
			v, ok := lookupPath(inst, spec.Path)
			if ok {
				present = true
				values = append(values, fmt.Sprintf("%v", v))
			} else {
				values = append(values, spec.Default)
			}
		}
		if present {
			flags = append(flags, fmt.Sprintf("--%s=%s", spec.Flag, strings.Join(values, ",")))
		}
	}
	sort.Strings(flags)
	return flags
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FetchArgs returns the flags to pass to `cvd fetch`, or nil when no
// fetch block (or only an empty one) was given.
func (d *Document) FetchArgs() []string {
	if len(d.Fetch) == 0 {
		return nil
	}
	raw, ok := d.Fetch["fetch_cvd_flags"].([]interface{})
	if !ok {
		return nil
	}
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		if s, ok := a.(string); ok {
			args = append(args, s)
		}
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Invocations is the ordered sequence of internal command lines spec.md
// §4.8 describes: an optional fetch, then a mandatory create+start.
type Invocations struct {
	Fetch      []string // nil when no fetch step is needed
	CreateArgs []string
}

// BuildInvocations assembles the invocation sequence: `cvd fetch
// -verbosity WARNING <flags>` when fetch flags are present, followed by
// `cvd create --daemon --system_image_dir=<dir> <launch-flags> --group_name <g>`.
func (d *Document) BuildInvocations(systemImageDir, groupName string) Invocations {
	var inv Invocations
	if fetchArgs := d.FetchArgs(); len(fetchArgs) > 0 {
		inv.Fetch = append([]string{"-verbosity", "WARNING"}, fetchArgs...)
	}

	args := []string{"--daemon", fmt.Sprintf("--system_image_dir=%s", systemImageDir)}
	args = append(args, d.EmitGflags()...)
	args = append(args, fmt.Sprintf("--group_name=%s", groupName))
	inv.CreateArgs = args
	return inv
}
