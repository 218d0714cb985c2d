package version

const Version = "0.2.0"
