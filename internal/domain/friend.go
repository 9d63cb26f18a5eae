package domain

// Friend is one row of a user's contact list as the directory stores it.
// Display attributes ride along so presence pushes need no second lookup.
type Friend struct {
	ID         UserID
	FullName   string
	ProfilePic string
}
