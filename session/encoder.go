package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionV1 = 1

// Encode serializes s. SessionID is carried by the key and not encoded.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionV1)

	if len(s.AccountID) > 255 {
		return nil, errors.New("accountID too long")
	}
	buf.WriteByte(byte(len(s.AccountID)))
	buf.WriteString(s.AccountID)

	if len(s.Roles) > 255 {
		return nil, errors.New("too many roles")
	}
	buf.WriteByte(byte(len(s.Roles)))
	for _, role := range s.Roles {
		if len(role) > 255 {
			return nil, errors.New("role too long")
		}
		buf.WriteByte(byte(len(role)))
		buf.WriteString(role)
	}

	if err := binary.Write(&buf, binary.BigEndian, s.AccountVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionV1 {
		return nil, errors.New("unsupported session version")
	}

	accountID, err := readShortString(r)
	if err != nil {
		return nil, err
	}

	roleCount, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, roleCount)
	for i := 0; i < int(roleCount); i++ {
		role, err := readShortString(r)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}

	s := &Session{AccountID: accountID, Roles: roles}
	if err := binary.Read(r, binary.BigEndian, &s.AccountVersion); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing session bytes")
	}

	return s, nil
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
