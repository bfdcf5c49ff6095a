package task

// Serializable may be implemented by a Runnable that supports durable
// suspension. When the Task System is shut down mid-flight, a worker
// delivers StatusShutdown carrying the Runnable itself on its status
// channel; a job that
// wants to persist that task across a restart serializes it through
// this interface rather than the Task System reaching into task
// internals it knows nothing about.
type Serializable interface {
	Serialize() ([]byte, error)
}
