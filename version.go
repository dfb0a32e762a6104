package urna

// Version of the urna command line and libraries
const Version = "0.1.0"
