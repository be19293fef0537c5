package bitfield

// PageFlags represents the flags for a memory page.
// Fields are packed into a 32-bit word using bitfield tags.
type PageFlags struct {
	// Allocated indicates if the page is currently allocated
	Allocated bool `bitfield:",1"`

	// KernelPage indicates if this is a kernel page (not available for user allocation)
	KernelPage bool `bitfield:",1"`

	// Reserved bits for future use (30 bits)
	Reserved uint32 `bitfield:",30"`
}

var pageFlagsConfig = &Config{NumBits: 32}

// PackPageFlags packs a PageFlags value into its 32-bit wire form.
func PackPageFlags(f PageFlags) (uint32, error) {
	packed, err := Pack(&f, pageFlagsConfig)
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackPageFlags is the inverse of PackPageFlags.
func UnpackPageFlags(packed uint32) PageFlags {
	var f PageFlags
	// A malformed tag set here is a programmer error caught by tests, not a
	// runtime condition callers need to handle.
	_ = Unpack(uint64(packed), &f, pageFlagsConfig)
	return f
}

// RightsFlags is the permission bitset attached to a capability record and
// to a page-table leaf entry (§3, §4.2, §4.3 of the core spec). Read/Write/
// Execute mirror PTE-style permission bits; Grant/Derive/Call are
// capability-only rights used by CAP.check_access.
type RightsFlags struct {
	Read    bool   `bitfield:",1"`
	Write   bool   `bitfield:",1"`
	Execute bool   `bitfield:",1"`
	Grant   bool   `bitfield:",1"`
	Derive  bool   `bitfield:",1"`
	Call    bool   `bitfield:",1"`
	Manage  bool   `bitfield:",1"`
	Unused  uint64 `bitfield:",57"`
}

var rightsFlagsConfig = &Config{NumBits: 64}

// PackRights packs a RightsFlags value into its 64-bit bitset form.
func PackRights(f RightsFlags) (uint64, error) {
	return Pack(&f, rightsFlagsConfig)
}

// UnpackRights is the inverse of PackRights.
func UnpackRights(packed uint64) RightsFlags {
	var f RightsFlags
	_ = Unpack(packed, &f, rightsFlagsConfig)
	return f
}

