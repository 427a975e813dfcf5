package decrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

const cbcChunkSize = 64 * 1024

var (
	errNotBlockAligned = errors.New("ciphertext is not block aligned")
	errBadPadding      = errors.New("invalid padding in final block")
)

// decryptCBCStream decrypts an AES-CBC payload chunk by chunk, deferring the
// final chunk until EOF so its padding can be stripped. The chunk size is a
// multiple of the block size, so chaining state carries across calls.
func decryptCBCStream(ctx context.Context, src io.Reader, dst io.Writer, key, iv []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	buf := make([]byte, cbcChunkSize)
	var carry []byte

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return errNotBlockAligned
			}
			mode.CryptBlocks(buf[:n], buf[:n])
			if len(carry) > 0 {
				if _, err := dst.Write(carry); err != nil {
					return fmt.Errorf("write plaintext: %w", err)
				}
			}
			carry = append(carry[:0], buf[:n]...)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("read ciphertext: %w", readErr)
		}
	}

	if len(carry) == 0 {
		return errNotBlockAligned
	}
	unpadded, err := pkcs7Unpad(carry)
	if err != nil {
		return err
	}
	if len(unpadded) > 0 {
		if _, err := dst.Write(unpadded); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
	}
	return nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
