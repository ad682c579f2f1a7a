/*
Package models defines the core data structures shared by the netprobe
agent's components: measurement endpoints discovered from a directory
service, the on-disk endpoint cache, and the per-cycle measurement
result.

A Result is produced once per scheduled cycle and carries the device and
network identity, geo/ISP metadata, ping RTT/jitter, HTTP load time and
one ProviderResult per configured provider. Fields that can be absent
due to an isolated probe failure are pointers and serialize to null.

The Result struct carries bun tags so the optional Postgres sink can
persist it directly; the per-provider breakdown is stored as jsonb.
*/
package models
