package blobpack

// HashResult is the outcome of hashing one path. Exactly one of Hash or Err is meaningful.
type HashResult struct {
	// Index is the position of Path in the slice given to Scheduler.Run.
	Index int
	Path  string
	Size  int64
	Hash  Digest
	// Mime is set when the scheduler has a Classifier.
	Mime string
	// Err is a *FileAccessError for open or read failures.
	Err error
}

// OK reports whether the file was hashed.
func (r HashResult) OK() bool {
	return r.Err == nil
}
