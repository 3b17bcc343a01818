package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/el2ctx/internal/hv/kvm"
	"github.com/tinyrange/el2ctx/internal/profile"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

type backend struct {
	name    string
	acc     sysreg.Accessor
	conduit smc.Conduit
	close   func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openBackend(g globalFlags) (*backend, error) {
	switch g.backend {
	case "sim":
		p := profile.Default()
		if g.profile != "" {
			var err error
			if p, err = profile.LoadProfile(g.profile); err != nil {
				return nil, err
			}
		}
		cpu, fw, err := p.Build()
		if err != nil {
			return nil, err
		}
		slog.Debug("using simulated CPU", "profile", p.Name, "extensions", cpu.Extensions().String())
		return &backend{name: "sim:" + p.Name, acc: cpu, conduit: fw}, nil
	case "kvm":
		if g.profile != "" {
			return nil, fmt.Errorf("-profile only applies to the sim backend")
		}
		v, err := kvm.Open()
		if err != nil {
			return nil, err
		}
		return &backend{name: "kvm", acc: v, close: v.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", g.backend)
	}
}
