package db

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type seedFilm struct {
	id        string
	title     string
	year      int
	directors []string
}

var seedFilms = []seedFilm{
	{"tt0053125", "Breathless", 1960, []string{"Jean-Luc Godard"}},
	{"tt0056217", "Cléo from 5 to 7", 1962, []string{"Agnès Varda"}},
	{"tt0050783", "Wild Strawberries", 1957, []string{"Ingmar Bergman"}},
	{"tt0057358", "High and Low", 1963, []string{"Akira Kurosawa"}},
	{"tt0071315", "Chinatown", 1974, []string{"Roman Polanski"}},
	{"tt0064276", "Army of Shadows", 1969, []string{"Jean-Pierre Melville"}},
	{"tt0078788", "Stalker", 1979, []string{"Andrei Tarkovsky"}},
	{"tt0095765", "Cinema Paradiso", 1988, []string{"Giuseppe Tornatore"}},
	{"tt0105236", "Raise the Red Lantern", 1991, []string{"Zhang Yimou"}},
	{"tt0118849", "Taste of Cherry", 1997, []string{"Abbas Kiarostami"}},
	{"tt0209144", "In the Mood for Love", 2000, []string{"Wong Kar-wai"}},
	{"tt1065073", "Boyhood", 2014, []string{"Richard Linklater"}},
}

// SeedTestData resets the database and populates it with demo users,
// film-status records, and preference rows.
//
// Behavior:
//  1. Clears existing data in `users`, `film_statuses`, `user_preferences`.
//  2. Creates 5 users with hashed passwords.
//  3. Gives each user 6-10 film statuses across the three watch states,
//     with ratings/notes on a subset of the seen ones, and a preferences row.
//
// Compatible with both MySQL and SQLite.
func SeedTestData(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	// --- Fresh start ---
	if err := db.Exec("DELETE FROM film_statuses").Error; err != nil {
		return fmt.Errorf("failed to clear film statuses: %w", err)
	}
	if err := db.Exec("DELETE FROM user_preferences").Error; err != nil {
		return fmt.Errorf("failed to clear user preferences: %w", err)
	}
	if err := db.Exec("DELETE FROM users").Error; err != nil {
		return fmt.Errorf("failed to clear users: %w", err)
	}

	log.Println("Cleared existing data")

	statuses := []Status{StatusWantToSee, StatusSeen, StatusNotInterested}

	for i := 1; i <= 5; i++ {
		hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		user := User{
			ID:           uuid.New().String(),
			Username:     fmt.Sprintf("user%d", i),
			Email:        fmt.Sprintf("user%d@example.com", i),
			PasswordHash: string(hash),
			Active:       true,
		}
		if err := db.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}

		// Film statuses: each user tracks a shuffled subset of the catalog.
		films := append([]seedFilm(nil), seedFilms...)
		r.Shuffle(len(films), func(a, b int) { films[a], films[b] = films[b], films[a] })
		count := 6 + r.Intn(5)

		for j := 0; j < count && j < len(films); j++ {
			f := films[j]
			directors, _ := json.Marshal(f.directors)

			updatedAt := time.Now().UTC().Add(-time.Duration(r.Intn(720)) * time.Hour).Truncate(time.Millisecond)
			rec := FilmStatus{
				UserID:        user.ID,
				FilmID:        f.id,
				Status:        statuses[r.Intn(len(statuses))],
				AddedAt:       updatedAt,
				FilmTitle:     f.title,
				FilmYear:      f.year,
				FilmDirectors: datatypes.JSON(directors),
				FilmPosterURL: fmt.Sprintf("https://posters.cinelog.example/%s.jpg", f.id),
				UpdatedAt:     updatedAt,
			}
			if rec.Status == StatusSeen {
				if r.Intn(100) < 70 {
					rating := 1 + r.Intn(5)
					rec.Rating = &rating
				}
				if r.Intn(100) < 30 {
					rec.Notes = "rewatch candidate"
				}
			}
			rec.Normalize()

			if err := db.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to seed film status: %w", err)
			}
		}

		prefs := UserPreferences{
			UserID:           user.ID,
			SchemaVersion:    PreferencesSchemaVersion,
			Preferences:      DefaultPreferences(),
			PersistedFilters: DefaultFilters(),
			UpdatedAt:        time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := db.Create(&prefs).Error; err != nil {
			return fmt.Errorf("failed to seed preferences: %w", err)
		}
	}
	log.Println("Seeded 5 users with film statuses and preferences.")

	return nil
}
