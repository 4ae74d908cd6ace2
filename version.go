package helix

// Version is the library version, embedded in compiled HLXB metadata.
const Version = "1.0.0"
