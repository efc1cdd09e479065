// Package playlist renders HLS m3u8 playlists. Master playlists are
// regenerated per request from the delivery plan and the cache's
// servable segment counts; variant playlists list only durably
// written segments and gain their ENDLIST tag when the encode
// finalizes.
package playlist
