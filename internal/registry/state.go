package registry

// State: состояние протокольной машины соединения.
type State string

const (
	StateConnected  State = "CONNECTED"
	StateIdentified State = "IDENTIFIED"
	StateActive     State = "ACTIVE"
	StateClosed     State = "CLOSED"
)
