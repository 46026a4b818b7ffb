// Package autotopup and its sub-packages implement a service that keeps Solana burner wallets funded.
/*
autotopup provides you with one service, the monitor (package monitor), started running cmd/monitor/main.go.

Architecture

The monitor watches a set of tracked wallets (the registry) and, whenever one of them drops below a configured
threshold, transfers a fixed amount from a single master account to it. Every confirmed transfer is appended to an
audit log. Balances are observed on two paths at once: a live account subscription per wallet (push) and a periodic
polling cycle that refreshes and persists every balance (poll). Both paths ask the top-up executor (package topup) for
a transfer; the executor keeps at most one top-up in flight per wallet, locally or across instances through Redis
(package monitor/inflight).

A blockchain layer (package lib/block) is implemented so new network interfaces can be developed and added. The
Solana implementation reads balances, subscribes to account changes and sends confirmed transfers signed by the master
key.

The registry and the audit log have a product agnostic interface (package lib/store). JSON files are the default;
MongoDB, PostgreSQL and SQLite backends are available and selected in the config file.

A message broker layer (package lib/msg) publishes top-up and low-balance events and delivers wallet requests to start
or stop tracking a wallet at runtime.

The monitor can also be watched via a Prometheus API and a health endpoint by setting the flag "-m" at startup.

Configuration

Configuration is read from an optional JSON or YAML file given with "-c", a .env file and the OS ENV (package
lib/config). The master secret key is mandatory.
*/
package autotopup
