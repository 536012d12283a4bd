package domain

type State int

const (
	StateInit          State = iota // Waiting for a complete request header
	StateWaitResolve                // DNS
	StateRemoteConnect              // TCP Connect (EINPROGRESS)
	StateEstablished                // Pipe
	StateDestroyed                  // Closed
)

var stateNames = [...]string{
	StateInit:          "INIT",
	StateWaitResolve:   "WAIT_RESOLVE",
	StateRemoteConnect: "REMOTE_CONNECT",
	StateEstablished:   "ESTABLISHED",
	StateDestroyed:     "DESTROYED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

const (
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04
)

const (
	MethodAES256CFB = "aes-256-cfb"

	DefaultLocalPort = 3107
	RelayChunkSize   = 4096
)
