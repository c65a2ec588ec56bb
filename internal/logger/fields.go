package logger

// Standard field keys for structured logging.
// Use these consistently across the storage stack so logs from the FTL,
// allocator, garbage collector and file layer can be correlated.
const (
	// Filesystem objects
	KeyFile   = "file"   // file name
	KeyPage   = "page"   // page index
	KeySector = "sector" // erase-sector start page index
	KeyRegion = "region" // region index in the region table

	// I/O
	KeyOffset = "offset" // virtual or file offset
	KeySize   = "size"   // byte count
	KeyAddr   = "addr"   // physical flash address

	// Operations
	KeyOp       = "op"       // operation name: open, write, gc, erase, ...
	KeyDuration = "duration" // operation duration
	KeyError    = "error"    // error value

	// Health
	KeyEraseCount = "erase_count" // per-page erase counter
	KeyFreePages  = "free_pages"  // free pages remaining
)
