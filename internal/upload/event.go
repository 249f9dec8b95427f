package upload

type EventKind string

const (
	EventChunkStored    EventKind = "chunk_stored"
	EventChunkDuplicate EventKind = "chunk_duplicate"
	EventMergeCompleted EventKind = "merge_completed"
	EventMergeFailed    EventKind = "merge_failed"
)

// Event is a progress notification for one FileKey.
type Event struct {
	Kind     EventKind `json:"kind"`
	FileKey  string    `json:"fileKey"`
	ChunkKey string    `json:"chunkKey,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       int64     `json:"at"`
}

// Notifier receives progress events. Implementations must not block.
type Notifier interface {
	Notify(ev *Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(*Event) {}
