// Package urna contains the shared types of the urnago voting protocol: the
// ballot and receipt data model, the closed failure taxonomy of a voting
// session, the wire messages exchanged with a voting authority, and the HTTP
// transport used to reach one.
//
// The client-side session state machine lives in the urnaclient package; a
// reference authority implementation lives in server/urnaserver.
package urna
