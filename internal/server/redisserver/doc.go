// Package redisserver serves replica state over a subset of RESP2, so
// stock Redis clients can read, write and watch keys.
//
// Keys map to Redis hashes whose fields are decimal subkeys:
//
//   - PING, ECHO, QUIT, AUTH
//   - HGET, HGETALL, HKEYS, HLEN, HEXISTS, EXISTS, SCAN
//   - HSET, HDEL, DEL
//   - SM.VERSION, SM.CAS
//   - SUBSCRIBE, UNSUBSCRIBE
//
// Writes commit one transaction per command and reply once it is applied.
// SUBSCRIBE pushes one message per snapshot transition that changes a key.
package redisserver
