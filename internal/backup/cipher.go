package backup

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"autobackup/internal/apperr"
)

// 固定盐只用于区分密钥派生的用途，安全性取决于密码本身
var kdfSalt = []byte("salt")

const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// Cipher AES-256-CBC 文件加密：前16字节是随机IV，之后是PKCS7填充的密文
type Cipher struct {
	chunkSize int
}

func NewCipher(chunkSize int) *Cipher {
	// 缓冲区必须是块大小的整数倍
	if chunkSize < aes.BlockSize {
		chunkSize = 8 * 1024
	}
	chunkSize -= chunkSize % aes.BlockSize
	return &Cipher{chunkSize: chunkSize}
}

func deriveKey(password string) ([]byte, error) {
	return scrypt.Key([]byte(password), kdfSalt, scryptN, scryptR, scryptP, keyLen)
}

func (c *Cipher) Encrypt(inputPath, outputPath, password string) error {
	if err := c.encrypt(inputPath, outputPath, password); err != nil {
		os.Remove(outputPath)
		return apperr.Wrap(apperr.EncryptionFailed, err, "加密失败")
	}
	return nil
}

func (c *Cipher) encrypt(inputPath, outputPath, password string) error {
	key, err := deriveKey(password)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return err
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(out, c.chunkSize)
	err = c.encryptStream(w, in, block, iv)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Cipher) encryptStream(w io.Writer, r io.Reader, block cipher.Block, iv []byte) error {
	if _, err := w.Write(iv); err != nil {
		return err
	}
	mode := cipher.NewCBCEncrypter(block, iv)
	buf := make([]byte, c.chunkSize+aes.BlockSize)
	for {
		n, err := io.ReadFull(r, buf[:c.chunkSize])
		switch {
		case err == nil:
			mode.CryptBlocks(buf[:n], buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			// 最后一块：PKCS7 填充，恰好整块时补一个完整的填充块
			padded := pkcs7Pad(buf, n)
			mode.CryptBlocks(padded, padded)
			_, werr := w.Write(padded)
			return werr
		default:
			return err
		}
	}
}

func pkcs7Pad(buf []byte, n int) []byte {
	pad := aes.BlockSize - n%aes.BlockSize
	for i := 0; i < pad; i++ {
		buf[n+i] = byte(pad)
	}
	return buf[:n+pad]
}

func (c *Cipher) Decrypt(inputPath, outputPath, password string) error {
	if err := c.decrypt(inputPath, outputPath, password); err != nil {
		os.Remove(outputPath)
		return apperr.Wrap(apperr.DecryptionFailed, err, "解密失败")
	}
	return nil
}

func (c *Cipher) decrypt(inputPath, outputPath, password string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(in, iv); err != nil {
		return errors.New("密文长度不足，缺少IV")
	}
	key, err := deriveKey(password)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(out, c.chunkSize)
	err = c.decryptStream(w, in, cipher.NewCBCDecrypter(block, iv))
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// decryptStream 始终保留最后一个块，读到结尾后再去掉填充
func (c *Cipher) decryptStream(w io.Writer, r io.Reader, mode cipher.BlockMode) error {
	buf := make([]byte, c.chunkSize)
	var last []byte
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return errors.New("密文长度不是块大小的整数倍")
			}
			mode.CryptBlocks(buf[:n], buf[:n])
			if last != nil {
				if _, werr := w.Write(last); werr != nil {
					return werr
				}
			}
			if _, werr := w.Write(buf[:n-aes.BlockSize]); werr != nil {
				return werr
			}
			last = append(last[:0], buf[n-aes.BlockSize:n]...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if last == nil {
		return errors.New("密文为空")
	}
	pad := int(last[len(last)-1])
	if pad == 0 || pad > aes.BlockSize {
		return errors.New("填充无效，密码可能错误")
	}
	for _, b := range last[aes.BlockSize-pad:] {
		if int(b) != pad {
			return errors.New("填充无效，密码可能错误")
		}
	}
	_, err := w.Write(last[:aes.BlockSize-pad])
	return err
}
