package process

import (
	"sort"

	"github.com/loykin/aoctl/internal/config"
)

// Tag is a name/value pair attached to the spawned process.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LaunchSpec is the fully resolved set of start-time parameters for the
// worker. It is a value type; Args never modifies it.
type LaunchSpec struct {
	Name       string   `json:"name"`
	Wallet     string   `json:"wallet,omitempty"`
	Load       []string `json:"load,omitempty"`
	Data       string   `json:"data,omitempty"`
	Tags       []Tag    `json:"tags,omitempty"`
	Module     string   `json:"module,omitempty"`
	Cron       string   `json:"cron,omitempty"`
	Monitor    bool     `json:"monitor,omitempty"`
	SQLite     bool     `json:"sqlite,omitempty"`
	GatewayURL string   `json:"gateway_url,omitempty"`
	CUURL      string   `json:"cu_url,omitempty"`
	MUURL      string   `json:"mu_url,omitempty"`
}

// Args returns the worker argument vector. The order is fixed so generated
// command lines are reproducible:
//
//	[name] (--load f)* [--wallet p] [--data p] (--tag-name n --tag-value v)*
//	[--module id] [--cron f] [--monitor] [--sqlite]
//	[--gateway-url u] [--cu-url u] [--mu-url u]
func (l LaunchSpec) Args() []string {
	args := make([]string, 0, 2+2*len(l.Load)+4*len(l.Tags)+16)
	if l.Name != "" {
		args = append(args, l.Name)
	}
	for _, f := range l.Load {
		args = append(args, "--load", f)
	}
	if l.Wallet != "" {
		args = append(args, "--wallet", l.Wallet)
	}
	if l.Data != "" {
		args = append(args, "--data", l.Data)
	}
	for _, t := range l.Tags {
		args = append(args, "--tag-name", t.Name, "--tag-value", t.Value)
	}
	if l.Module != "" {
		args = append(args, "--module", l.Module)
	}
	if l.Cron != "" {
		args = append(args, "--cron", l.Cron)
	}
	if l.Monitor {
		args = append(args, "--monitor")
	}
	if l.SQLite {
		args = append(args, "--sqlite")
	}
	if l.GatewayURL != "" {
		args = append(args, "--gateway-url", l.GatewayURL)
	}
	if l.CUURL != "" {
		args = append(args, "--cu-url", l.CUURL)
	}
	if l.MUURL != "" {
		args = append(args, "--mu-url", l.MUURL)
	}
	return args
}

// LaunchOptions are caller-supplied start options. Empty fields fall back
// to the project configuration.
type LaunchOptions struct {
	Name       string
	Wallet     string
	Load       []string
	Data       string
	Tags       []Tag
	Module     string
	Cron       string
	Monitor    bool
	SQLite     bool
	GatewayURL string
	CUURL      string
	MUURL      string
}

// BuildLaunchSpec merges opts over cfg. Config tags come first in key
// order; option tags follow and replace a config tag of the same name.
func BuildLaunchSpec(cfg config.Config, opts LaunchOptions) LaunchSpec {
	spec := LaunchSpec{
		Name:       firstNonEmpty(opts.Name, cfg.ProcessName),
		Wallet:     firstNonEmpty(opts.Wallet, cfg.Wallet),
		Data:       opts.Data,
		Module:     firstNonEmpty(opts.Module, cfg.Module),
		Cron:       firstNonEmpty(opts.Cron, cfg.CronInterval),
		Monitor:    opts.Monitor,
		SQLite:     opts.SQLite,
		GatewayURL: firstNonEmpty(opts.GatewayURL, cfg.Endpoints.Gateway),
		CUURL:      firstNonEmpty(opts.CUURL, cfg.Endpoints.CU),
		MUURL:      firstNonEmpty(opts.MUURL, cfg.Endpoints.MU),
	}
	if len(opts.Load) > 0 {
		spec.Load = append([]string(nil), opts.Load...)
	} else {
		spec.Load = append([]string(nil), cfg.LuaFiles...)
	}

	override := make(map[string]bool, len(opts.Tags))
	for _, t := range opts.Tags {
		override[t.Name] = true
	}
	keys := make([]string, 0, len(cfg.Tags))
	for k := range cfg.Tags {
		if !override[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		spec.Tags = append(spec.Tags, Tag{Name: k, Value: cfg.Tags[k]})
	}
	spec.Tags = append(spec.Tags, opts.Tags...)
	return spec
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
