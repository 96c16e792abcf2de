/*
Package coord defines the coordination store the scheduler shares state
through.

Store is a narrow set of atomic primitives: FIFO lists, sorted sets,
keys with compare-and-swap and TTL, counters, sets and publish/subscribe.
Each method is atomic on its own key, which is all the queue needs: every
multi-key operation is built as a single atomic claim followed by
idempotent bookkeeping.

Two implementations are provided:

  - MemoryStore, in-process, for tests and single-process deployments
  - RedisStore, on go-redis, for everything else; compare-and-swap is a
    Lua script

Keys builds the key schema. Any Store honoring these names interoperates
with other Hive processes.
*/
package coord
