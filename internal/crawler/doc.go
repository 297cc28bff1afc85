// Package crawler holds the vocabulary shared by the orchestration engine:
// job keys and states, rate-limit windows, keyword rules and matches, skip
// reasons, the platform catalog, and the interfaces that connect the
// scheduler, dispatcher, stores and runners.
package crawler
