package playlist

import (
	"context"
	"errors"
	"fmt"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"crowdqueue/internal/catalog"
)

// requestsPerSecond keeps the client comfortably under the Spotify API's
// rolling rate window.
const requestsPerSecond = 10

// pageLimit is the playlist item page size used for membership checks.
const pageLimit = 100

// spotifyAPI implements api against the Spotify Web API. A fresh client is
// built per call from the supplied access token, so tokens rotated by the
// credential provider are always picked up.
type spotifyAPI struct {
	limiter *rate.Limiter
}

func newSpotifyAPI() *spotifyAPI {
	return &spotifyAPI{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// client builds an authenticated API client from a raw access token.
func (s *spotifyAPI) client(ctx context.Context, token string) *spotify.Client {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return spotify.New(oauth2.NewClient(ctx, source))
}

// trackFacts implements api.
func (s *spotifyAPI) trackFacts(ctx context.Context, token, trackID string) (catalog.Facts, error) {
	cl := s.client(ctx, token)

	if err := s.limiter.Wait(ctx); err != nil {
		return catalog.Facts{}, err
	}
	track, err := cl.GetTrack(ctx, spotify.ID(trackID))
	if err != nil {
		if isNotFound(err) {
			return catalog.Facts{}, catalog.ErrTrackNotFound
		}
		return catalog.Facts{}, fmt.Errorf("fetching track: %w", err)
	}

	facts := catalog.Facts{
		ID:         string(track.ID),
		Name:       track.Name,
		DurationMS: int(track.Duration),
		AlbumID:    string(track.Album.ID),
		AlbumName:  track.Album.Name,
	}

	// Genres live on artists, not tracks; one batched lookup covers them.
	artistIDs := make([]spotify.ID, len(track.Artists))
	for i, artist := range track.Artists {
		artistIDs[i] = artist.ID
	}
	if len(artistIDs) > 0 {
		if err := s.limiter.Wait(ctx); err != nil {
			return catalog.Facts{}, err
		}
		artists, err := cl.GetArtists(ctx, artistIDs...)
		if err != nil {
			return catalog.Facts{}, fmt.Errorf("fetching artists: %w", err)
		}
		for _, artist := range artists {
			if artist == nil {
				continue
			}
			facts.Artists = append(facts.Artists, catalog.ArtistFacts{
				ID:     string(artist.ID),
				Name:   artist.Name,
				Genres: artist.Genres,
			})
		}
	}

	return facts, nil
}

// contains implements api by paging through the playlist's items.
func (s *spotifyAPI) contains(ctx context.Context, token, playlistID, trackID string) (bool, error) {
	cl := s.client(ctx, token)

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	page, err := cl.GetPlaylistItems(ctx, spotify.ID(playlistID), spotify.Limit(pageLimit))
	if err != nil {
		return false, fmt.Errorf("fetching playlist items: %w", err)
	}

	for {
		for _, item := range page.Items {
			if item.Track.Track != nil && string(item.Track.Track.ID) == trackID {
				return true, nil
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
		err = cl.NextPage(ctx, page)
		if errors.Is(err, spotify.ErrNoMorePages) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("paging playlist items: %w", err)
		}
	}
}

// add implements api.
func (s *spotifyAPI) add(ctx context.Context, token, playlistID, trackID string) error {
	cl := s.client(ctx, token)
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := cl.AddTracksToPlaylist(ctx, spotify.ID(playlistID), spotify.ID(trackID)); err != nil {
		return fmt.Errorf("adding playlist item: %w", err)
	}
	return nil
}

// remove implements api.
func (s *spotifyAPI) remove(ctx context.Context, token, playlistID, trackID string) error {
	cl := s.client(ctx, token)
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := cl.RemoveTracksFromPlaylist(ctx, spotify.ID(playlistID), spotify.ID(trackID)); err != nil {
		return fmt.Errorf("removing playlist item: %w", err)
	}
	return nil
}

// isAuthError reports whether err is an authentication rejection.
func isAuthError(err error) bool {
	var spotifyErr spotify.Error
	return errors.As(err, &spotifyErr) && spotifyErr.Status == 401
}

// isNotFound reports whether err is an unknown-identifier rejection.
func isNotFound(err error) bool {
	var spotifyErr spotify.Error
	return errors.As(err, &spotifyErr) && spotifyErr.Status == 404
}

// isTransient reports whether err is worth a backoff retry: rate limiting,
// server-side failures, and network errors. Client-side rejections and
// cancellations are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var spotifyErr spotify.Error
	if errors.As(err, &spotifyErr) {
		return spotifyErr.Status == 429 || spotifyErr.Status >= 500
	}
	if errors.Is(err, catalog.ErrTrackNotFound) {
		return false
	}
	// Anything else from the HTTP stack is assumed to be a network blip.
	return true
}
