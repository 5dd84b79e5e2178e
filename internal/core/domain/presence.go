package domain

type PresenceEntry struct {
	UserID UserID
	Conn   ConnID
	Meta   DisplayMeta
}
