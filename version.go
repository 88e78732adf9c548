package main

// Version is the flexstream release
const Version = "0.4.0"
