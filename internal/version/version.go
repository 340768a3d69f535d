package version

// Version is the capture-agent release version.
const Version = "1.2.0"
