// Package schedule enforces daily on/off schedules on smart plugs.
//
// Each plug may carry an on time and an off time of day. The Engine runs a
// single control loop that compares every scheduled plug's observed relay
// state with the state the schedule expects and commands the plug when
// they differ.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                   │
//	│                                                       │
//	│   wake ──┐      ┌──────────────┐   ┌──────────────┐   │
//	│  timer ──┼─────▶│    cycle     │──▶│   Devices    │   │
//	│  stop  ──┘      └──────┬───────┘   │ (plug bridge)│   │
//	│                        │           └──────────────┘   │
//	│            ┌───────────┴─────────┐                    │
//	│            ▼                     ▼                    │
//	│     ┌─────────────┐      ┌──────────────┐             │
//	│     │  Snapshot   │      │  Overrides   │             │
//	│     │ (metadata)  │      │(overrides.go)│             │
//	│     └─────────────┘      └──────────────┘             │
//	└───────────────────────────────────────────────────────┘
//
// # Overrides
//
// A manual toggle records an override that lasts until the plug's next
// scheduled transition. While it is in force the engine leaves the plug
// alone; once it expires normal enforcement resumes.
//
// # Retries
//
// Commands are fire-and-forget. A plug whose observed state still differs
// from the expected state is rechecked a few minutes later, and plugs that
// stop answering trigger a fresh discovery broadcast.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The loop itself runs on
// one goroutine.
package schedule
