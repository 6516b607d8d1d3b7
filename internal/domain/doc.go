// Package domain models seismic and tsunami reports gathered from several
// independent sources, and the reconciled view built from them.
//
// # Sources
//
// Each upstream provider is described by a static [Source]: an identifier,
// a proxy endpoint, a [Category] (earthquake, tsunami or seismic), a base
// reliability prior in [0,1] and an optional coverage [Region]. Runtime state
// lives in [SourceHealth] and is mutated after every fetch attempt.
//
// # Events
//
// Adapters normalize every payload into [Event] values. Magnitude and depth
// are optional: tsunami bulletins frequently omit magnitude, and some feeds
// omit depth. Events recovered from an HTML page or from a stale cache entry
// carry Degraded=true and receive reduced weight during consensus.
//
// # Agreement
//
// Two events from different sources correlate when they are within a time
// window and a great-circle distance ceiling (see [Haversine]). Agreement is
// scored per component:
//
//	time      = max(0, 1 - Δt/window)
//	location  = max(0, 1 - distanceKm/500)
//	magnitude = max(0, 1 - |Δm|/2)   (1.0 when either magnitude is missing)
//
// and a pair's agreement is the mean of the three.
//
// # Consensus
//
// A [ConsensusEvent] is the weighted average of a correlated cluster. Its
// Location is a coarse latitude-band label from [LocationLabel]; Place is an
// optional reverse-geocoded name filled by a [PlaceResolver].
package domain
