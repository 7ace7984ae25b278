// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package jsonrpc frames JSON-RPC 2.0 messages as newline-delimited JSON.

It performs no I/O. Encode produces exactly one line per message. Decode and
Decoder split a byte stream on '\n' and parse each complete line; anything
that is not a JSON-RPC message (log output from a misbehaving server, blank
lines, truncated JSON) is skipped so that the remaining protocol traffic is
still delivered. Framing is independent of how the stream is chunked.
*/
package jsonrpc
