package hls

const testMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:7
#EXTINF:9.009,
segment0.ts
#EXTINF:9.009,
segment1.ts
#EXTINF:3.003,
https://cdn.example.com/abs/segment2.ts
#EXT-X-ENDLIST
`

const testMasterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=854x480,CODECS="avc1.42e00a,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720,CODECS="avc1.42e00a,mp4a.40.2"
high/index.m3u8
`

const testEncryptedPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXTINF:10,
clear0.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k1",IV=0x1234
#EXTINF:10,
secret1.ts
#EXT-X-ENDLIST
`

const testKeyNonePlaylist = `#EXTM3U
#EXT-X-KEY:METHOD=NONE
#EXTINF:10,
a.ts
#EXTINF:10,
b.ts
`

const testEmptyPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-ENDLIST
`
