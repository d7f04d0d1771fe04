package locus

import (
	"net/url"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Locus identifies which isolated execution context this process is.
type Locus string

const (
	Orchestrator  Locus = "orchestrator"
	ContentScript Locus = "content-script"
	PageScript    Locus = "page-script"
	Popup         Locus = "popup"
	Offscreen     Locus = "offscreen"
	ProviderFrame Locus = "provider-frame"
	Foreground    Locus = "foreground"
)

// Transport names one concrete channel two contexts can exchange messages
// over. Which transports are legal is a pure function of the locus.
type Transport string

const (
	// TransportLoopback dispatches to the local handler registry in-process.
	TransportLoopback Transport = "loopback"
	// TransportHub is the broadcast-style channel every privileged context
	// attaches to.
	TransportHub Transport = "hub"
	// TransportDirect is a point-to-point connection to the orchestrator.
	TransportDirect Transport = "direct"
	// TransportParent relays through the immediate parent context; the only
	// channel page scripts and provider frames have.
	TransportParent Transport = "parent"
)

// Environment describes the ambient process to the classifier. It is built
// explicitly by the caller so classification stays a pure function and needs
// no real host to test.
type Environment struct {
	URL           string
	Protocol      string // "ext", "http", "https", "file"
	ExtensionID   string
	ProviderHosts []string // hostnames owned by chat providers
	HasRuleAPI    bool     // host grants request-rule modification
	HasStorageAPI bool     // host grants durable extension storage
	HasDOM        bool     // a document is attached
	InvisibleSurf bool     // rendered surface exists but is never shown
	DevForeground bool     // developer-run foreground process
}

// Detector classifies the running process exactly once and hands out the
// memoized result. One detector is constructed per process and injected into
// whoever needs it.
type Detector struct {
	env  Environment
	once sync.Once
	got  Locus
}

// NewDetector creates a detector for the given environment.
func NewDetector(env Environment) *Detector {
	return &Detector{env: env}
}

// Env returns the environment this detector classifies.
func (d *Detector) Env() Environment {
	return d.env
}

// Detect returns the locus of this process. The first call classifies; every
// later call returns the same answer.
func (d *Detector) Detect() Locus {
	d.once.Do(func() {
		d.got = Classify(d.env)
	})
	return d.got
}

// Is reports whether the detected locus is any of the given ones.
func (d *Detector) Is(loci ...Locus) bool {
	got := d.Detect()
	return lo.Contains(loci, got)
}

// AvailableTransports returns the transports this locus may use, most
// preferred first.
func (d *Detector) AvailableTransports() []Transport {
	return TransportsFor(d.Detect())
}

// Classify maps an environment to a locus.
//
// Order is load-bearing: the most specific, least privileged contexts are
// checked first. A provider frame also has a DOM and a parent, so testing
// for general page context first would swallow it; a popup also runs on the
// extension protocol, so testing for the orchestrator first would swallow
// that. Anything unrecognized falls back to the least privileged locus so a
// mis-detected process can never gain orchestrator capabilities.
func Classify(env Environment) Locus {
	if env.DevForeground {
		return Foreground
	}

	// Provider frame: a document on a provider-owned host, framed by a parent.
	if env.HasDOM && hostMatches(env.URL, env.ProviderHosts) {
		return ProviderFrame
	}

	// Page script: lives in an ordinary web page, no host APIs at all.
	if env.HasDOM && !env.HasStorageAPI && !isExtensionProtocol(env.Protocol) {
		return PageScript
	}

	// Content script: page DOM plus extension storage, but no rule API.
	if env.HasDOM && env.HasStorageAPI && !env.HasRuleAPI && !isExtensionProtocol(env.Protocol) {
		return ContentScript
	}

	if isExtensionProtocol(env.Protocol) {
		if env.InvisibleSurf {
			return Offscreen
		}
		if env.HasDOM {
			return Popup
		}
		if env.HasRuleAPI {
			return Orchestrator
		}
	}

	// Fail closed: unknown environments get the least capable locus, not the
	// orchestrator. Callers log this loudly.
	return Foreground
}

// TransportsFor returns the legal transports for a locus, ordered by
// preference.
func TransportsFor(l Locus) []Transport {
	switch l {
	case Orchestrator:
		return []Transport{TransportLoopback, TransportHub, TransportDirect}
	case Offscreen:
		return []Transport{TransportLoopback, TransportHub, TransportDirect, TransportParent}
	case ContentScript:
		return []Transport{TransportLoopback, TransportDirect, TransportParent}
	case Popup:
		return []Transport{TransportLoopback, TransportDirect}
	case PageScript, ProviderFrame:
		return []Transport{TransportParent}
	default:
		return []Transport{TransportLoopback}
	}
}

// Privileged reports whether a locus may talk to the orchestrator's host
// APIs directly.
func Privileged(l Locus) bool {
	return l == Orchestrator || l == Offscreen || l == Popup
}

func isExtensionProtocol(protocol string) bool {
	return protocol == "ext" || strings.HasSuffix(protocol, "-extension")
}

func hostMatches(rawURL string, hosts []string) bool {
	if len(hosts) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return lo.SomeBy(hosts, func(h string) bool {
		h = strings.ToLower(h)
		return host == h || strings.HasSuffix(host, "."+h)
	})
}
