package types

// Version is the canonical project version. The CLI and the recording
// file header share this version so a reader can tell which writer
// produced a file.
const Version = "0.4.0"
