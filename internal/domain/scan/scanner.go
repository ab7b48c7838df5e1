// Package scan provides pattern-based threat detection for inbound
// requests. It matches the request path, header values, query string,
// and a bounded payload prefix against known injection signatures,
// aggregates matches into a risk score with a block decision, and keeps
// a per-client history of suspicious activity.
//
// Detection is purely lexical. The scanner never decodes payloads
// semantically and never consults the network.
package scan

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	// DefaultBlockSeverity blocks a request when any single threat
	// reaches this severity.
	DefaultBlockSeverity = 9

	// DefaultBlockRisk blocks a request when the summed severity of
	// all threats exceeds this value.
	DefaultBlockRisk = 15

	// SizeViolationSeverity is low enough that an oversized payload
	// alone never blocks; it flags the request and raises the stakes
	// for any further match.
	SizeViolationSeverity = 5
)

// reasonPrefix starts every block reason, followed by the distinct
// threat types in detection order.
const reasonPrefix = "Security threats detected: "

// Threat is one detected signature match.
type Threat struct {
	Type     ThreatType `json:"type"`
	Severity int        `json:"severity"`
	Pattern  string     `json:"pattern"`
	Location string     `json:"location"`
}

// Result aggregates all matches for one request.
type Result struct {
	Threats   []Threat `json:"threats,omitempty"`
	TotalRisk int      `json:"total_risk"`
	Blocked   bool     `json:"blocked"`
	Reason    string   `json:"reason,omitempty"`
}

// Input carries the request fragments the scanner inspects.
type Input struct {
	// Path is the request path as received on the wire, before any
	// percent-decoding, so encoded traversal sequences stay visible.
	Path string

	// RawQuery is the undecoded query string.
	RawQuery string

	Header http.Header

	// Body is the captured payload prefix, at most MaxPayloadBytes.
	Body []byte

	// BodySize is the full payload size when known. Negative means the
	// payload outgrew the capture budget without a declared length, so
	// Body holds only a prefix.
	BodySize int64

	// Actor is the client key charged with this request in the
	// suspicious-actor table. Empty disables recording.
	Actor string
}

// Options configures a Scanner.
type Options struct {
	MaxPayloadBytes int64
	StrictMode      bool
	BlockSeverity   int
	BlockRisk       int
	LDAPInjection   bool
	BlockUserAgents bool
}

// Scanner matches requests against the signature families and decides
// whether to block. Safe for concurrent use; all state is immutable
// after construction except the actor table, which locks internally.
type Scanner struct {
	maxPayload    int64
	strict        bool
	blockSeverity int
	blockRisk     int
	blockUA       bool
	payload       []family
	header        []family
	actors        *ActorTable
}

// NewScanner builds a Scanner from opts. actors may be nil, in which
// case no per-client history is kept.
func NewScanner(opts Options, actors *ActorTable) *Scanner {
	if opts.BlockSeverity <= 0 {
		opts.BlockSeverity = DefaultBlockSeverity
	}
	if opts.BlockRisk <= 0 {
		opts.BlockRisk = DefaultBlockRisk
	}

	payload := make([]family, len(payloadFamilies), len(payloadFamilies)+1)
	copy(payload, payloadFamilies)
	if opts.LDAPInjection {
		payload = append(payload, ldapInjection)
	}

	return &Scanner{
		maxPayload:    opts.MaxPayloadBytes,
		strict:        opts.StrictMode,
		blockSeverity: opts.BlockSeverity,
		blockRisk:     opts.BlockRisk,
		blockUA:       opts.BlockUserAgents,
		payload:       payload,
		header:        headerFamilies,
		actors:        actors,
	}
}

// Scan inspects one request and returns the aggregated result. As a
// side effect it records a THREAT_DETECTED or NORMAL_REQUEST event for
// in.Actor in the suspicious-actor table.
func (s *Scanner) Scan(in Input) Result {
	var threats []Threat

	// A negative size is an overflow marker: the payload was already
	// larger than the capture budget when its length ran out.
	if s.maxPayload > 0 && (in.BodySize > s.maxPayload || in.BodySize < 0) {
		threats = append(threats, Threat{
			Type:     ThreatSizeViolation,
			Severity: SizeViolationSeverity,
			Pattern:  "max-payload-bytes",
			Location: "body",
		})
	}

	threats = scanFamilies(threats, pathFamilies, "path", in.Path)
	threats = s.scanHeaders(threats, in.Header)

	if in.RawQuery != "" {
		threats = scanFamilies(threats, s.payload, "query", decodeQuery(in.RawQuery))
	}
	if len(in.Body) > 0 {
		body := in.Body
		if s.maxPayload > 0 && int64(len(body)) > s.maxPayload {
			body = body[:s.maxPayload]
		}
		threats = scanFamilies(threats, s.payload, "body", string(body))
	}

	res := s.aggregate(threats)

	if s.actors != nil && in.Actor != "" {
		ev := EventNormalRequest
		if len(res.Threats) > 0 {
			ev = EventThreatDetected
		}
		s.actors.Record(in.Actor, ev)
	}
	return res
}

// scanHeaders applies the header families to every value and checks the
// User-Agent against the known scanner products. Header names are
// visited in sorted order so repeated scans report identically.
func (s *Scanner) scanHeaders(threats []Threat, h http.Header) []Threat {
	if len(h) == 0 {
		return threats
	}

	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		loc := "header:" + name
		for _, val := range h[name] {
			threats = scanFamilies(threats, s.header, loc, val)
		}
	}

	if s.blockUA {
		ua := strings.ToLower(h.Get("User-Agent"))
		for _, product := range scannerProducts {
			if strings.Contains(ua, product) {
				threats = append(threats, Threat{
					Type:     ThreatScannerUserAgent,
					Severity: 9,
					Pattern:  product,
					Location: "header:User-Agent",
				})
				break
			}
		}
	}
	return threats
}

func (s *Scanner) aggregate(threats []Threat) Result {
	res := Result{Threats: threats}
	for _, t := range threats {
		res.TotalRisk += t.Severity
		if t.Severity >= s.blockSeverity {
			res.Blocked = true
		}
	}
	if res.TotalRisk > s.blockRisk {
		res.Blocked = true
	}
	if s.strict && len(threats) > 0 {
		res.Blocked = true
	}
	if len(threats) > 0 {
		res.Reason = reason(threats)
	}
	return res
}

// scanFamilies records at most one threat per family for the given
// location, named after the first matching pattern.
func scanFamilies(threats []Threat, fams []family, location, text string) []Threat {
	if text == "" {
		return threats
	}
	for _, f := range fams {
		for _, p := range f.patterns {
			if p.re.MatchString(text) {
				threats = append(threats, Threat{
					Type:     f.typ,
					Severity: f.severity,
					Pattern:  p.name,
					Location: location,
				})
				break
			}
		}
	}
	return threats
}

// decodeQuery unescapes one level of percent-encoding so literal
// signatures match their encoded forms. Undecodable input is scanned
// as received.
func decodeQuery(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// reason lists the distinct threat types in detection order.
func reason(threats []Threat) string {
	var b strings.Builder
	b.WriteString(reasonPrefix)
	seen := make(map[ThreatType]bool, len(threats))
	first := true
	for _, t := range threats {
		if seen[t.Type] {
			continue
		}
		seen[t.Type] = true
		if !first {
			b.WriteByte(' ')
		}
		b.WriteString(string(t.Type))
		first = false
	}
	return b.String()
}
