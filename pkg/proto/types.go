package proto

// Control-plane message kinds carried in the salted envelope type byte.
const (
	MsgBlindProbe     uint8 = 1
	MsgRoutingProbe   uint8 = 2
	MsgConsensusQuery uint8 = 3
	MsgKeyChange      uint8 = 4
	MsgKeyChangeAck   uint8 = 5
	MsgKeyRollback    uint8 = 6
	MsgConnVerify     uint8 = 7
)

type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustMonitored
	TrustVerified
	TrustFirstRing
	TrustBlocked
)

func (l TrustLevel) String() string {
	switch l {
	case TrustUntrusted:
		return "untrusted"
	case TrustMonitored:
		return "monitored"
	case TrustVerified:
		return "verified"
	case TrustFirstRing:
		return "first-ring"
	case TrustBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type VerificationMethod string

const (
	MethodBlindMessage   VerificationMethod = "blind_message"
	MethodRouting        VerificationMethod = "routing"
	MethodTiming         VerificationMethod = "timing"
	MethodTrafficPattern VerificationMethod = "traffic_pattern"
	MethodConsensus      VerificationMethod = "consensus"
)

// VerificationResult is an immutable record of one test run against a relay.
type VerificationResult struct {
	Method     VerificationMethod `json:"method"`
	RelayID    string             `json:"relay_id"`
	Confidence float64            `json:"confidence"`
	ObservedAt int64              `json:"observed_at"`
}

// ScoreComponents holds the five per-method scores, each in [0,1].
type ScoreComponents struct {
	BlindMessage   float64 `json:"blind_message"`
	Routing        float64 `json:"routing"`
	Timing         float64 `json:"timing"`
	TrafficPattern float64 `json:"traffic_pattern"`
	Consensus      float64 `json:"consensus"`
}

// Component weights. They must sum to 1 so five perfect scores reduce to 1.
const (
	WeightBlindMessage   = 0.30
	WeightRouting        = 0.25
	WeightTiming         = 0.20
	WeightTrafficPattern = 0.15
	WeightConsensus      = 0.10
)

// Overall reduces the components to the weighted sum. Pure and deterministic.
func (c ScoreComponents) Overall() float64 {
	return WeightBlindMessage*c.BlindMessage +
		WeightRouting*c.Routing +
		WeightTiming*c.Timing +
		WeightTrafficPattern*c.TrafficPattern +
		WeightConsensus*c.Consensus
}

type RelayRecord struct {
	RelayID             string          `json:"relay_id"`
	PubKey              string          `json:"pub_key"`
	Address             string          `json:"address"`
	Level               TrustLevel      `json:"trust_level"`
	Components          ScoreComponents `json:"score_components"`
	OverallScore        float64         `json:"overall_score"`
	LastVerifiedAt      int64           `json:"last_verified_at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures,omitempty"`
	BlockedAt           int64           `json:"blocked_at,omitempty"`
}

// Candidate is one entry from the external discovery feed.
type Candidate struct {
	RelayID string `json:"relay_id"`
	PubKey  string `json:"pub_key"`
	Address string `json:"address"`
}

type RotationPhase int

const (
	PhaseInitiated RotationPhase = iota
	PhaseKeysDistributed
	PhasePartiallyAcknowledged
	PhaseFullyAcknowledged
	PhaseConnectionsVerified
	PhaseCompleted
	PhaseRolledBack
)

func (p RotationPhase) String() string {
	switch p {
	case PhaseInitiated:
		return "initiated"
	case PhaseKeysDistributed:
		return "keys-distributed"
	case PhasePartiallyAcknowledged:
		return "partially-acknowledged"
	case PhaseFullyAcknowledged:
		return "fully-acknowledged"
	case PhaseConnectionsVerified:
		return "connections-verified"
	case PhaseCompleted:
		return "completed"
	case PhaseRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventPromoted           EventKind = "promoted"
	EventDemoted            EventKind = "demoted"
	EventBlocked            EventKind = "blocked"
	EventUnblocked          EventKind = "unblocked"
	EventRotationCompleted  EventKind = "rotation-completed"
	EventRotationRolledBack EventKind = "rotation-rolled-back"
	EventRotationExhausted  EventKind = "rotation-retries-exhausted"
)

// Event is published on the internal bus for logging and observability
// consumers. RelayID is empty for ring-wide rotation events.
type Event struct {
	Kind       EventKind  `json:"kind"`
	RelayID    string     `json:"relay_id,omitempty"`
	Level      TrustLevel `json:"trust_level,omitempty"`
	PrevLevel  TrustLevel `json:"prev_trust_level,omitempty"`
	RotationID string     `json:"rotation_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

// BlindProbePayload carries a probe sealed under a disposable keypair and
// addressed to a recipient that does not exist. The relay under test can
// acknowledge delivery but can never read the content.
type BlindProbePayload struct {
	ProbeID   string `json:"probe_id"`
	Recipient string `json:"recipient"`
	Sealed    []byte `json:"sealed"`
	SealerPub string `json:"sealer_pub"`
}

type BlindProbeAck struct {
	ProbeID  string `json:"probe_id"`
	RelayID  string `json:"relay_id"`
	Accepted bool   `json:"accepted"`
}

type RoutingProbePayload struct {
	ProbeID       string   `json:"probe_id"`
	HopsRemaining int      `json:"hops_remaining"`
	Path          []string `json:"path,omitempty"`
}

type RoutingProbeReply struct {
	ProbeID       string `json:"probe_id"`
	HopsRemaining int    `json:"hops_remaining"`
	Forwarded     bool   `json:"forwarded"`
}

type ConsensusQueryPayload struct {
	RelayID string `json:"relay_id"`
}

// ConsensusReply is a voter's opinion of a relay id, weighted on the asking
// side by the voter's own trust score.
type ConsensusReply struct {
	RelayID string  `json:"relay_id"`
	VoterID string  `json:"voter_id"`
	Opinion float64 `json:"opinion"`
	Known   bool    `json:"known"`
}

type KeyChangeAckPayload struct {
	RotationID string `json:"rotation_id"`
	MemberID   string `json:"member_id"`
	NewPubKey  string `json:"new_pub_key"`
	Signature  string `json:"signature"`
}

type KeyRollbackPayload struct {
	RotationID string `json:"rotation_id"`
	Reason     string `json:"reason,omitempty"`
}

type ConnVerifyPayload struct {
	RotationID string `json:"rotation_id"`
	Challenge  string `json:"challenge"`
}

type ConnVerifyReply struct {
	RotationID string `json:"rotation_id"`
	MemberID   string `json:"member_id"`
	Signature  string `json:"signature"`
}

// AuditEvent records one trust transition for operator debugging.
type AuditEvent struct {
	ID        int64      `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Action    string     `json:"action"`
	RelayID   string     `json:"relay_id"`
	Before    TrustLevel `json:"level_before"`
	After     TrustLevel `json:"level_after"`
	Score     float64    `json:"score,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
