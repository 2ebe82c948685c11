// Package proto defines the wire contract shared by cooperating xferd daemons.
package proto

// ConnectAttrs carries per-protocol connection attributes, keyed by
// protocol name. Well known keys are defined below; adapters may add more.
type ConnectAttrs map[string]map[string]string

// Connection attribute keys understood by every protocol.
const (
	AttrPeerURL = "peer_url" // RPC base URL of the remote daemon
	AttrXmitID  = "xmit_id"
	AttrPort    = "port"
)

// For returns the attributes for a protocol merged over the shared ones
// stored under the empty key.
func (c ConnectAttrs) For(protocol string) map[string]string {
	out := make(map[string]string)
	for k, v := range c[""] {
		out[k] = v
	}
	for k, v := range c[protocol] {
		out[k] = v
	}
	return out
}

// BeginTransferRequest asks a daemon to start a send or receive on its side.
type BeginTransferRequest struct {
	Job        *Job         `json:"job"`
	Connect    ConnectAttrs `json:"connect,omitempty"`
	IsSender   bool         `json:"is_sender"`
	IsReceiver bool         `json:"is_receiver"`
	RemoteURL  string       `json:"remote_url"` // RPC URL of the peer daemon
	Timeout    int64        `json:"timeout_ms,omitempty"`
}

// StatusResponse carries a single status code.
type StatusResponse struct {
	Code  Code          `json:"code"`
	State TransmitState `json:"state,omitempty"`
}

// NegotiateReceiverRequest is sent by a sender to the receiving daemon.
type NegotiateReceiverRequest struct {
	XmitID    string       `json:"xmit_id"`
	Job       *Job         `json:"job"`
	Protocols []string     `json:"protocols"`
	Connect   ConnectAttrs `json:"connect,omitempty"`
	ChunkDir  string       `json:"chunk_dir"`  // sender's chunk directory
	SenderURL string       `json:"sender_url"` // where to deliver the ack
}

// NegotiateReceiverResponse reports the receiver's choices.
type NegotiateReceiverResponse struct {
	XmitID       string       `json:"xmit_id"`
	ChunkDir     string       `json:"chunk_dir"`
	BestProtocol string       `json:"best_protocol,omitempty"`
	Connected    []string     `json:"connected"`
	Connect      ConnectAttrs `json:"connect,omitempty"`
}

// NegotiateSenderRequest is sent by a receiver to the sending daemon.
type NegotiateSenderRequest struct {
	XmitID      string       `json:"xmit_id,omitempty"`
	Job         *Job         `json:"job"`
	Protocols   []string     `json:"protocols"`
	Connect     ConnectAttrs `json:"connect,omitempty"`
	ReceiverURL string       `json:"receiver_url"`
}

// NegotiateSenderResponse describes the file and the sender's protocols.
type NegotiateSenderResponse struct {
	XmitID      string       `json:"xmit_id"`
	ChunkDir    string       `json:"chunk_dir"`
	FileSize    int64        `json:"file_size"`
	FileHash    string       `json:"file_hash"`
	FileType    string       `json:"file_type,omitempty"`
	Protocols   []string     `json:"protocols"`
	Active      []bool       `json:"active"`
	ChunkHashes []string     `json:"chunk_hashes,omitempty"`
	ChunkSize   int64        `json:"chunk_size"`
	Connect     ConnectAttrs `json:"connect,omitempty"`
}

// ChooseProtocolRequest tells the sender which protocols the receiver will use.
type ChooseProtocolRequest struct {
	XmitID       string       `json:"xmit_id"`
	ChunkDir     string       `json:"chunk_dir"`
	BestProtocol string       `json:"best_protocol,omitempty"`
	Protocols    []string     `json:"protocols"`
	Connect      ConnectAttrs `json:"connect,omitempty"`
}

// ChooseProtocolResponse echoes the xmit id, or is empty if the sender
// could not start sending.
type ChooseProtocolResponse struct {
	XmitID string `json:"xmit_id,omitempty"`
}

// AckSenderRequest carries the receiver's final verdict.
type AckSenderRequest struct {
	XmitID string        `json:"xmit_id"`
	State  TransmitState `json:"state"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status          string   `json:"status"`
	Version         string   `json:"version,omitempty"`
	ActiveTransfers int      `json:"active_transfers"`
	Protocols       []string `json:"protocols"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  Code   `json:"status,omitempty"`
}
