// Package uri provides the addressing scheme used by the bus.
//
// A URI names either a pub/sub topic, an RPC method or a response address
// of one bus entity:
//
//	/core.vehicle/door.front_left     topic of the local entity core.vehicle
//	/core.vehicle/rpc.OpenDoor        method served by core.vehicle
//	/app.dashboard/rpc.response       where app.dashboard receives responses
//	//cloud/core.fleet/position       topic of an entity on a remote authority
//
// The authority is empty for URIs of the local device. The authority and
// entity together identify the client that owns a URI; the resource part is
// ignored when deciding whether a client may act on a URI.
package uri
