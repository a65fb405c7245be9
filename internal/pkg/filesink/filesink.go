// Package filesink is the boundary toward the external file-content
// reconstruction subsystem. Protocol state machines feed ordered byte ranges
// for a named handle; storage policy lives on the other side of the interface.
package filesink

// Sink receives reconstructed file content from protocol parsers.
type Sink interface {
	// NewFile announces a file identified by handle with a display name.
	NewFile(handle string, name []byte)

	// Chunk delivers data at the given absolute file offset. Chunks arrive
	// in the order the wire delivered them, which need not be contiguous.
	Chunk(handle string, offset uint64, data []byte)

	// Close marks the handle complete; no further chunks follow.
	Close(handle string)
}

// Chunk is one delivered byte range.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// File is the accumulated view of one handle in a MemorySink.
type File struct {
	Name   []byte
	Chunks []Chunk
	Closed bool
}

// MemorySink buffers everything in memory. Used by tests and the replay tool.
type MemorySink struct {
	files map[string]*File
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string]*File)}
}

func (s *MemorySink) NewFile(handle string, name []byte) {
	if _, ok := s.files[handle]; !ok {
		s.files[handle] = &File{Name: append([]byte(nil), name...)}
	}
}

func (s *MemorySink) Chunk(handle string, offset uint64, data []byte) {
	f, ok := s.files[handle]
	if !ok {
		f = &File{}
		s.files[handle] = f
	}
	f.Chunks = append(f.Chunks, Chunk{
		Offset: offset,
		Data:   append([]byte(nil), data...),
	})
}

func (s *MemorySink) Close(handle string) {
	if f, ok := s.files[handle]; ok {
		f.Closed = true
	}
}

// File returns the accumulated state for a handle, or nil.
func (s *MemorySink) File(handle string) *File {
	return s.files[handle]
}

// Len returns the number of tracked handles.
func (s *MemorySink) Len() int {
	return len(s.files)
}
