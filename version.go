package octobuild

// Version is the protocol/build identifier a builder advertises to the
// coordinator and a client can log for diagnostics. It has no bearing
// on cache-key compatibility, which is keyed on toolchain Identifier()
// instead.
const Version = "octobuild/1"
