// Package domain contains the core types of the notification sync subsystem
// and the interfaces of its external collaborators. It has no dependencies on
// other internal packages; everything else depends on it.
package domain
