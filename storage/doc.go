// Package storage provides the persistence collaborator for the relay
// messaging core: content-addressed chunk blobs, file manifests, transfer
// sessions, group key epochs, and a seen-message table for duplicate
// delivery suppression.
//
// Writes that may race with redelivery report an explicit StoreResult so
// protocol code can distinguish "newly stored" from "already had this"
// instead of relying on primary-key side effects.
//
// Two implementations are provided: SQLite for durable client state and
// an in-memory store for tests.
package storage
