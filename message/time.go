package message

// RFC5322Z is the time format of RFC 5322 with the zone as numeric offset,
// for use in message Date headers.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"
