// Package bpf provides the CO-RE BPF loader, per-interface XDP
// attach/detach with mode fallback, map accessors, and the capability
// probe for scrop-capture.
//
// Responsibilities:
//   - Verify kernel version (>= 5.15).
//   - Verify the caller holds CAP_BPF and CAP_NET_ADMIN.
//   - Load the embedded BPF ELF object via cilium/ebpf CO-RE.
//   - Attach the kfree_skb tracepoint once at load time (global, not
//     per-interface).
//   - Attach/detach the XDP program per interface on demand, falling
//     back DRV_MODE -> SKB_MODE -> default. Re-attaching is a no-op
//     success; detaching an interface that is not attached returns
//     ErrNotAttached.
//   - Expose the EVENTS ring buffer and RINGBUF_DROPS/MONITORED_IFS maps.
//
// Failure contract: any failure in Load() is fatal — the caller must
// abort startup; partial BPF state is released before returning.
package bpf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// MinKernelMajor and MinKernelMinor define the minimum supported kernel.
	MinKernelMajor = 5
	MinKernelMinor = 15

	xdpProgramName  = "scrop_xdp"
	kfreeProgramName = "scrop_kfree_skb"

	// EventsMapName is the shared ring buffer both probes write into.
	EventsMapName = "EVENTS"
	// RingbufDropsMapName is the per-CPU submission-failure counter.
	RingbufDropsMapName = "RINGBUF_DROPS"
	// MonitoredIfsMapName gates which ifindexes the XDP program fires on.
	MonitoredIfsMapName = "MONITORED_IFS"
)

// ErrInterfaceNotFound is returned when an interface name has no ifindex.
var ErrInterfaceNotFound = errors.New("interface not found")

// ErrNotAttached is returned when detaching an interface that was never
// (or is no longer) attached.
var ErrNotAttached = errors.New("interface not attached")

// xdpAttachment tracks one interface's live XDP link.
type xdpAttachment struct {
	ifindex int
	link    link.Link
	mode    string
}

// Objects holds references to all loaded BPF programs and maps, plus the
// live set of per-interface XDP attachments.
type Objects struct {
	xdpProg   *ebpf.Program
	kfreeProg *ebpf.Program

	Events       *ebpf.Map
	RingbufDrops *ebpf.Map
	MonitoredIfs *ebpf.Map

	kfreeLink link.Link

	mu       sync.Mutex
	attached map[string]xdpAttachment

	log *zap.Logger
}

// Close releases all BPF resources: the tracepoint link, every
// attached XDP link, the programs and the maps. Safe to call multiple
// times.
func (o *Objects) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for name, att := range o.attached {
		if err := att.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach %s: %w", name, err))
		}
	}
	o.attached = nil

	if o.kfreeLink != nil {
		errs = append(errs, o.kfreeLink.Close())
	}
	if o.xdpProg != nil {
		errs = append(errs, o.xdpProg.Close())
	}
	if o.kfreeProg != nil {
		errs = append(errs, o.kfreeProg.Close())
	}
	if o.Events != nil {
		errs = append(errs, o.Events.Close())
	}
	if o.RingbufDrops != nil {
		errs = append(errs, o.RingbufDrops.Close())
	}
	if o.MonitoredIfs != nil {
		errs = append(errs, o.MonitoredIfs.Close())
	}
	return errors.Join(errs...)
}

// Load performs the full BPF initialisation sequence:
//  1. Kernel version check (>= 5.15).
//  2. Capability check (CAP_BPF, CAP_NET_ADMIN).
//  3. Load the ELF from the embedded object via CO-RE.
//  4. Attach the kfree_skb tracepoint (global).
//
// XDP attachment is per-interface and happens later via Attach.
func Load(log *zap.Logger) (*Objects, error) {
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return nil, fmt.Errorf("kernel version check failed: %w", err)
	}
	if err := CheckCapabilities(); err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection spec: %w", err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection: %w", err)
	}

	objs := &Objects{
		xdpProg:      coll.Programs[xdpProgramName],
		kfreeProg:    coll.Programs[kfreeProgramName],
		Events:       coll.Maps[EventsMapName],
		RingbufDrops: coll.Maps[RingbufDropsMapName],
		MonitoredIfs: coll.Maps[MonitoredIfsMapName],
		attached:     make(map[string]xdpAttachment),
		log:          log,
	}

	if err := objs.validate(); err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("BPF object validation failed: %w", err)
	}

	kfreeLink, err := link.Tracepoint("skb", "kfree_skb", objs.kfreeProg, nil)
	if err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("attach kfree_skb tracepoint: %w", err)
	}
	objs.kfreeLink = kfreeLink

	return objs, nil
}

func (o *Objects) validate() error {
	var missing []string
	if o.xdpProg == nil {
		missing = append(missing, "program:"+xdpProgramName)
	}
	if o.kfreeProg == nil {
		missing = append(missing, "program:"+kfreeProgramName)
	}
	if o.Events == nil {
		missing = append(missing, "map:"+EventsMapName)
	}
	if o.RingbufDrops == nil {
		missing = append(missing, "map:"+RingbufDropsMapName)
	}
	if o.MonitoredIfs == nil {
		missing = append(missing, "map:"+MonitoredIfsMapName)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing BPF objects: %v", missing)
	}
	return nil
}

// Attach resolves name's ifindex, attaches the XDP program with mode
// fallback (DRV_MODE -> SKB_MODE -> default), and inserts the ifindex
// into MONITORED_IFS. Idempotent: re-attaching an already attached
// interface is a no-op success, returning the mode it was attached in.
func (o *Objects) Attach(name string) (mode string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if att, ok := o.attached[name]; ok {
		return att.mode, nil
	}

	ifindex, err := resolveIfindex(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
	}

	l, achievedMode, err := o.attachXDPWithFallback(ifindex)
	if err != nil {
		return "", fmt.Errorf("attach xdp to %s: %w", name, err)
	}

	if err := o.MonitoredIfs.Put(uint32(ifindex), uint32(ifindex)); err != nil {
		_ = l.Close()
		return "", fmt.Errorf("insert %s into %s: %w", name, MonitoredIfsMapName, err)
	}

	o.attached[name] = xdpAttachment{ifindex: ifindex, link: l, mode: achievedMode}
	return achievedMode, nil
}

// Detach removes name's XDP attachment and its MONITORED_IFS entry.
// Idempotent-safe in the sense that it reports ErrNotAttached rather
// than panicking when name was never attached.
func (o *Objects) Detach(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	att, ok := o.attached[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, name)
	}
	err := att.link.Close()
	if delErr := o.MonitoredIfs.Delete(uint32(att.ifindex)); delErr != nil && !errors.Is(delErr, ebpf.ErrKeyNotExist) {
		err = errors.Join(err, delErr)
	}
	delete(o.attached, name)
	return err
}

// DetachAll detaches every currently attached interface — used on
// shutdown so no XDP program outlives the session.
func (o *Objects) DetachAll() error {
	o.mu.Lock()
	names := make([]string, 0, len(o.attached))
	for name := range o.attached {
		names = append(names, name)
	}
	o.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := o.Detach(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListAttached returns the currently attached interface names.
func (o *Objects) ListAttached() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.attached))
	for name := range o.attached {
		names = append(names, name)
	}
	return names
}

// attachXDPWithFallback tries DRV_MODE, then SKB_MODE, then the
// default (unspecified) flag, warn-logging each downgrade.
func (o *Objects) attachXDPWithFallback(ifindex int) (link.Link, string, error) {
	attempts := []struct {
		flags link.XDPAttachFlags
		mode  string
	}{
		{link.XDPDriverMode, "drv"},
		{link.XDPGenericMode, "skb"},
		{0, "default"},
	}

	var lastErr error
	for i, a := range attempts {
		l, err := link.AttachXDP(link.XDPOptions{
			Program:   o.xdpProg,
			Interface: ifindex,
			Flags:     a.flags,
		})
		if err == nil {
			if i > 0 && o.log != nil {
				o.log.Warn("xdp attach mode downgraded",
					zap.Int("ifindex", ifindex), zap.String("mode", a.mode))
			}
			return l, a.mode, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("all xdp attach modes failed: %w", lastErr)
}

// ReadDropCount sums RINGBUF_DROPS across all CPUs.
func (o *Objects) ReadDropCount() (uint64, error) {
	var key uint32 = 0
	var perCPUValues []uint64
	if err := o.RingbufDrops.Lookup(key, &perCPUValues); err != nil {
		return 0, fmt.Errorf("ReadDropCount: %w", err)
	}
	var total uint64
	for _, v := range perCPUValues {
		total += v
	}
	return total, nil
}

// ─── Kernel / environment checks ─────────────────────────────────────────

// resolveIfindex reads /sys/class/net/<name>/ifindex.
func resolveIfindex(name string) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/ifindex", name))
	if err != nil {
		return 0, err
	}
	var ifindex int
	if _, err := fmt.Sscanf(string(data), "%d", &ifindex); err != nil {
		return 0, fmt.Errorf("parse ifindex for %s: %w", name, err)
	}
	return ifindex, nil
}

// checkKernelVersion reads the running kernel version via uname(2) and
// verifies it meets the minimum requirement.
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])

	var kMajor, kMinor, kPatch int
	if _, err := fmt.Sscanf(release, "%d.%d.%d", &kMajor, &kMinor, &kPatch); err != nil {
		return fmt.Errorf("failed to parse kernel version %q: %w", release, err)
	}

	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %d.%d.%d < required %d.%d",
			kMajor, kMinor, kPatch, major, minor)
	}
	return nil
}
