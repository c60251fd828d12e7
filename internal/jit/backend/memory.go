package backend

// CodeMemory is where assembled units end up. Implementations map the
// code executable and make it visible to instruction fetch.
type CodeMemory interface {
	// Publish copies code into executable memory and returns its address,
	// which must be 4-byte aligned. Published code is never moved.
	Publish(code []byte) (addr uint32, err error)
	// ReadWord returns the word of published code at addr.
	ReadWord(addr uint32) (uint32, error)
	// WriteWord replaces the word of published code at addr, including
	// whatever cache maintenance the host needs.
	WriteWord(addr, word uint32) error
}
