package domain

// MessageBus carries operator messages from the conduit to the dispatcher.
type MessageBus interface {
	Publish(msg OperatorMessage)
	Subscribe() <-chan OperatorMessage
	Close()
}
