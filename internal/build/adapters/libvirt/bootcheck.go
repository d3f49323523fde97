package libvirt

import (
	"context"
	"fmt"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/logging"
)

// DefaultConnectionURI is the hypervisor the boot check connects to.
var DefaultConnectionURI = "qemu:///system"

const pollInterval = time.Second

// Hypervisor starts transient domains.
type Hypervisor interface {
	CreateTransient(domainXML string) (Domain, error)
	Close() error
}

// Domain is a running transient domain.
type Domain interface {
	Running() (bool, error)
	Destroy() error
}

// BootChecker boots the produced image in a transient domain and requires it
// to keep running for the settle period.
type BootChecker struct {
	ConnectionURI string

	// Connect defaults to a libvirt connection to ConnectionURI.
	Connect func(uri string) (Hypervisor, error)
}

var _ build.BootChecker = (*BootChecker)(nil)

// Check boots isoPath and destroys the domain afterwards.
func (b *BootChecker) Check(ctx context.Context, buildContext build.BuildContext, isoPath string) error {
	logger := buildContext.Log()
	size := withDefaults(buildContext.Definition.BootCheck)

	domainXML, err := renderDomainXML(defaultDomain, domainTemplateData{
		Name:     "heyiso-bootcheck-" + shortID(buildContext.RunID),
		MemoryMB: size.MemoryMB,
		VCPUs:    size.VCPUs,
		ISOPath:  isoPath,
	})
	if err != nil {
		return fmt.Errorf("render domain definition: %w", err)
	}

	uri := b.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	connect := b.Connect
	if connect == nil {
		connect = connectLibvirt
	}
	hv, err := connect(uri)
	if err != nil {
		return &build.BuildError{Message: fmt.Sprintf("open libvirt connection %s", uri), Err: err}
	}
	defer hv.Close()

	domain, err := hv.CreateTransient(string(domainXML))
	if err != nil {
		return &build.BuildError{Message: "start boot check domain", Err: err}
	}
	defer func() {
		if err := domain.Destroy(); err != nil {
			logger.Warn("could not destroy boot check domain", logging.Error(err))
		}
	}()
	logger.Info("boot check domain started", logging.Path(isoPath), "settle", size.Settle())

	if err := waitRunning(ctx, domain, size.Settle()); err != nil {
		return err
	}
	logging.OK(logger, "image booted", "settle", size.Settle())
	return nil
}

// waitRunning polls the domain until settle has elapsed.
func waitRunning(ctx context.Context, domain Domain, settle time.Duration) error {
	deadline := time.NewTimer(settle)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		running, err := domain.Running()
		if err != nil {
			return &build.BuildError{Message: "query boot check domain state", Err: err}
		}
		if !running {
			return &build.BuildError{Message: fmt.Sprintf("domain stopped %s after boot", time.Since(start).Round(time.Second))}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

func withDefaults(def build.BootCheckDefinition) build.BootCheckDefinition {
	if def.MemoryMB <= 0 {
		def.MemoryMB = 2048
	}
	if def.VCPUs <= 0 {
		def.VCPUs = 2
	}
	if def.SettleSeconds <= 0 {
		def.SettleSeconds = 30
	}
	return def
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	if runID == "" {
		return "adhoc"
	}
	return runID
}

type libvirtHypervisor struct {
	conn *libvirt.Connect
}

func connectLibvirt(uri string) (Hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, err
	}
	return &libvirtHypervisor{conn: conn}, nil
}

func (h *libvirtHypervisor) CreateTransient(domainXML string) (Domain, error) {
	dom, err := h.conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{dom: dom}, nil
}

func (h *libvirtHypervisor) Close() error {
	_, err := h.conn.Close()
	return err
}

type libvirtDomain struct {
	dom *libvirt.Domain
}

func (d *libvirtDomain) Running() (bool, error) {
	state, _, err := d.dom.GetState()
	if err != nil {
		return false, err
	}
	return state == libvirt.DOMAIN_RUNNING, nil
}

func (d *libvirtDomain) Destroy() error {
	defer d.dom.Free()
	return d.dom.Destroy()
}
